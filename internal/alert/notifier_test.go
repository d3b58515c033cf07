package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlert() Alert {
	return Alert{
		Event:    fallEvent(t0),
		Contacts: []Contact{{Name: "Ann", Phone: "+15550100"}},
		RaisedAt: t0.Add(time.Second),
		Deadline: t0.Add(31 * time.Second),
	}
}

func TestPayload(t *testing.T) {
	a := testAlert()
	data, err := a.MarshalPayload()
	require.NoError(t, err)

	var p Payload
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, a.Event.ID.String(), p.EventID)
	assert.True(t, p.Timestamp.Equal(t0))
	assert.Equal(t, 0.93, p.Confidence)
	assert.Equal(t, "logistic/acc/lag0", p.Model)
	assert.Equal(t, a.Contacts, p.Contacts)

	empty := Alert{Event: fallEvent(t0)}.Payload()
	assert.NotNil(t, empty.Contacts, "contacts MUST encode as an empty list, not null")
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	require.NoError(t, LogNotifier{Logger: l}.Notify(context.Background(), testAlert()))
	assert.Contains(t, buf.String(), "+15550100")
	assert.Contains(t, buf.String(), "FALL ALERT")
}

func TestMulti_JoinsErrors(t *testing.T) {
	var ok atomic.Int32
	good := NotifierFunc(func(context.Context, Alert) error { ok.Add(1); return nil })
	errA := errors.New("a failed")
	errB := errors.New("b failed")

	m := Multi{
		NotifierFunc(func(context.Context, Alert) error { return errA }),
		good,
		NotifierFunc(func(context.Context, Alert) error { return errB }),
	}
	err := m.Notify(context.Background(), testAlert())
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, int32(1), ok.Load(), "a failing notifier MUST NOT stop the others")

	assert.NoError(t, Multi{good}.Notify(context.Background(), testAlert()))
}

func TestRedisNotifier(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	n, err := NewRedisNotifier(client, "fallwatch:alerts", 100)
	require.NoError(t, err)

	a := testAlert()
	require.NoError(t, n.Notify(context.Background(), a))

	msgs, err := client.XRange(context.Background(), "fallwatch:alerts", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, a.Event.ID.String(), msgs[0].Values["event_id"])

	var p Payload
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &p))
	assert.Equal(t, a.Event.ID.String(), p.EventID)
	assert.Len(t, p.Contacts, 1)
}

func TestRedisNotifier_Errors(t *testing.T) {
	_, err := NewRedisNotifier(nil, "s", 0)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	_, err = NewRedisNotifier(client, "", 0)
	assert.Error(t, err)

	n, err := NewRedisNotifier(client, "s", 0)
	require.NoError(t, err)
	mr.Close()
	assert.Error(t, n.Notify(context.Background(), testAlert()), "unreachable redis MUST surface an error")
}

// fakeToken is an mqtt.Token that is either already complete or never completes.
type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(err error, complete bool) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakePublisher struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
	token    mqtt.Token
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.topic, p.qos, p.retained = topic, qos, retained
	p.payload, _ = payload.([]byte)
	return p.token
}

func TestMQTTNotifier(t *testing.T) {
	pub := &fakePublisher{token: newFakeToken(nil, true)}
	n, err := NewMQTTNotifier(pub, "fallwatch/alerts", 1)
	require.NoError(t, err)

	a := testAlert()
	require.NoError(t, n.Notify(context.Background(), a))
	assert.Equal(t, "fallwatch/alerts", pub.topic)
	assert.Equal(t, byte(1), pub.qos)
	assert.False(t, pub.retained, "alerts MUST NOT be retained")

	var p Payload
	require.NoError(t, json.Unmarshal(pub.payload, &p))
	assert.Equal(t, a.Event.ID.String(), p.EventID)
}

func TestMQTTNotifier_Errors(t *testing.T) {
	_, err := NewMQTTNotifier(nil, "t", 0)
	assert.Error(t, err)
	_, err = NewMQTTNotifier(&fakePublisher{}, "", 0)
	assert.Error(t, err)
	_, err = NewMQTTNotifier(&fakePublisher{}, "t", 3)
	assert.Error(t, err)

	brokerErr := errors.New("not connected")
	n, err := NewMQTTNotifier(&fakePublisher{token: newFakeToken(brokerErr, true)}, "t", 0)
	require.NoError(t, err)
	assert.ErrorIs(t, n.Notify(context.Background(), testAlert()), brokerErr)

	n, err = NewMQTTNotifier(&fakePublisher{token: newFakeToken(nil, false)}, "t", 0)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, n.Notify(ctx, testAlert()), context.DeadlineExceeded, "pending publish MUST honour the context")
}

func TestWebhookNotifier(t *testing.T) {
	var got Payload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(WebhookOptions{URL: srv.URL + "/alerts", Token: "secret"})
	require.NoError(t, err)

	a := testAlert()
	require.NoError(t, n.Notify(context.Background(), a))
	assert.Equal(t, a.Event.ID.String(), got.EventID)
	assert.Equal(t, "Bearer secret", auth)
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(WebhookOptions{URL: srv.URL})
	require.NoError(t, err)
	err = n.Notify(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), hits.Load())

	_, err = NewWebhookNotifier(WebhookOptions{})
	assert.Error(t, err, "empty url MUST be rejected")
}
