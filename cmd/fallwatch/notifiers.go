package main

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/fallwatch/internal/alert"
	"github.com/srg/fallwatch/pkg/config"
)

// newMQTTClient is replaced in tests.
var newMQTTClient = func(o alert.MQTTOptions) (alert.Publisher, func(), error) {
	client, err := alert.NewMQTTClient(o)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { client.Disconnect(250) }, nil
}

// buildNotifier assembles the alert fan-out from the configuration. The log
// notifier is always present; remote notifiers are added when configured.
// The returned close function releases their connections.
func buildNotifier(cfg *config.AlertConfig, logger *logrus.Logger) (alert.Notifier, func(), error) {
	notifiers := alert.Multi{alert.LogNotifier{Logger: logger}}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Redis.Addr != "" {
		client := alert.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		closers = append(closers, func() { _ = client.Close() })
		n, err := alert.NewRedisNotifier(client, cfg.Redis.Stream, cfg.Redis.MaxLen)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		notifiers = append(notifiers, n)
		logger.WithFields(logrus.Fields{"addr": cfg.Redis.Addr, "stream": cfg.Redis.Stream}).Info("Redis alert notifier enabled")
	}

	if cfg.MQTT.Broker != "" {
		pub, closeFn, err := newMQTTClient(alert.MQTTOptions{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			ConnectTimeout: cfg.NotifyTimeout,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, closeFn)
		n, err := alert.NewMQTTNotifier(pub, cfg.MQTT.Topic, cfg.MQTT.QoS)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		notifiers = append(notifiers, n)
		logger.WithFields(logrus.Fields{"broker": cfg.MQTT.Broker, "topic": cfg.MQTT.Topic}).Info("MQTT alert notifier enabled")
	}

	if cfg.Webhook.URL != "" {
		n, err := alert.NewWebhookNotifier(alert.WebhookOptions{
			URL:        cfg.Webhook.URL,
			Token:      cfg.Webhook.Token,
			Timeout:    cfg.Webhook.Timeout,
			RetryCount: cfg.Webhook.RetryCount,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		notifiers = append(notifiers, n)
		logger.WithField("url", cfg.Webhook.URL).Info("Webhook alert notifier enabled")
	}

	return notifiers, closeAll, nil
}
