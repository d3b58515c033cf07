package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/fallwatch/internal/alert"
	"github.com/srg/fallwatch/internal/device/goble"
	"github.com/srg/fallwatch/internal/groutine"
	"github.com/srg/fallwatch/internal/model"
	"github.com/srg/fallwatch/internal/monitor"
	"github.com/srg/fallwatch/internal/session"
	"github.com/srg/fallwatch/pkg/config"
	"golang.org/x/term"
)

const statusRefresh = 500 * time.Millisecond

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the strap and watch for falls",
	Long: `Search for a Polar H10 strap, stream its telemetry and run the fall model.

When a fall is detected a countdown starts; emergency contacts are notified
when it expires. Commands are read from standard input, one per line:

  c          cancel the pending alert (false alarm)
  d          confirm and stop the session
  s / x      start / stop the detection session
  on / off   enable / disable fall detection
  e / a      toggle the ECG / accelerometer stream
  f <set>    select the feature set (polar-only, acc, all)
  r          reconnect
  q          quit`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	runCmd.Flags().String("device", "", "Connect only to this strap address")
	runCmd.Flags().String("features", "", "Feature set (polar-only, acc, all)")
	runCmd.Flags().String("arch", "", "Model architecture (logistic, threshold, lua)")
	runCmd.Flags().Duration("countdown", 0, "Alert countdown before contacts are notified")
	runCmd.Flags().Bool("no-start", false, "Connect without starting a detection session")
}

// controller is the part of the monitor driven by interactive commands.
type controller interface {
	AutoConnect(ctx context.Context) error
	Start()
	Stop()
	SetFallDetection(on bool)
	CancelAlert() error
	ConfirmDisable()
	EcgToggle() error
	AccToggle() error
	SelectFeatureSet(set model.FeatureSet) error
}

var errQuit = errors.New("quit")

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	mc, err := cfg.Monitor()
	if err != nil {
		return err
	}
	registry, err := loadRegistry(cfg, logger)
	if err != nil {
		return err
	}
	notifier, closeNotifiers, err := buildNotifier(&cfg.Alert, logger)
	if err != nil {
		return err
	}
	defer closeNotifiers()

	mon, err := monitor.New(mc, goble.NewPeripheral(nil, logger), registry, notifier, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.OutOrStdout(), "\nCtrl+C pressed, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	done := make(chan struct{})
	groutine.Go(ctx, "monitor", func(ctx context.Context) {
		mon.Run(ctx)
		close(done)
	})

	if err := mon.AutoConnect(ctx); err != nil {
		cancel()
		<-done
		return err
	}
	if cfg.Detection.AutoStart {
		mon.Start()
	}

	out := cmd.OutOrStdout()
	groutine.Go(ctx, "run-commands", func(ctx context.Context) {
		if readCommands(ctx, cmd.InOrStdin(), out, mon, logger) {
			cancel()
		}
	})

	renderLoop(ctx, mon, out, isTerminal(out))
	<-done

	if pending, ok := mon.PendingAlert(); ok {
		logger.WithField("event_id", pending.Event.ID).Warn("Exiting with an unresolved fall alert")
	}
	return nil
}

// applyRunFlags overlays command line flags on the configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	if v, _ := cmd.Flags().GetString("device"); v != "" {
		cfg.Device.PreferredID = v
	}
	if v, _ := cmd.Flags().GetString("features"); v != "" {
		cfg.Detection.FeatureSet = v
	}
	if v, _ := cmd.Flags().GetString("arch"); v != "" {
		cfg.Detection.Architecture = v
	}
	if v, _ := cmd.Flags().GetDuration("countdown"); v > 0 {
		cfg.Alert.Countdown = v
	}
	if v, _ := cmd.Flags().GetBool("no-start"); v {
		cfg.Detection.AutoStart = false
	}
	return cfg.Validate()
}

func loadRegistry(cfg *config.Config, logger *logrus.Logger) (*model.Registry, error) {
	if cfg.Detection.Models != "" {
		return model.LoadManifest(cfg.Detection.Models, logger)
	}
	return model.DefaultRegistry(logger)
}

// readCommands executes one command per input line until EOF, quit or ctx
// ends, and reports whether quit was requested. Command errors are printed
// and do not stop the loop.
func readCommands(ctx context.Context, in io.Reader, out io.Writer, c controller, logger *logrus.Logger) bool {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				return false
			}
			err := handleCommand(ctx, c, line)
			if errors.Is(err, errQuit) {
				return true
			}
			if err != nil {
				logger.WithError(err).WithField("command", strings.TrimSpace(line)).Debug("Command failed")
				fmt.Fprintf(out, "\n%s\n", FormatUserError(err))
			}
		}
	}
}

func handleCommand(ctx context.Context, c controller, line string) error {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "c", "cancel":
		return c.CancelAlert()
	case "d", "disable":
		c.ConfirmDisable()
	case "s", "start":
		c.Start()
	case "x", "stop":
		c.Stop()
	case "on":
		c.SetFallDetection(true)
	case "off":
		c.SetFallDetection(false)
	case "e", "ecg":
		return c.EcgToggle()
	case "a", "acc":
		return c.AccToggle()
	case "f", "features":
		if len(fields) < 2 {
			return fmt.Errorf("usage: f <%s>", strings.Join(featureSetNames(), "|"))
		}
		set, err := model.ParseFeatureSet(fields[1])
		if err != nil {
			return err
		}
		return c.SelectFeatureSet(set)
	case "r", "reconnect":
		return c.AutoConnect(ctx)
	case "q", "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}

func featureSetNames() []string {
	names := make([]string, len(model.FeatureSets))
	for i, s := range model.FeatureSets {
		names[i] = s.String()
	}
	return names
}

// statusSource is the read side of the monitor used by the status display.
type statusSource interface {
	Subscribe(size int) *session.Subscription
	Unsubscribe(sub *session.Subscription)
	PendingAlert() (alert.Alert, bool)
}

// renderLoop prints the session status until ctx ends. On a terminal the
// status line is redrawn in place; otherwise one line is written per change.
func renderLoop(ctx context.Context, src statusSource, out io.Writer, tty bool) {
	if !tty {
		color.NoColor = true
	}
	sub := src.Subscribe(session.DefaultSubscriberBuffer)
	defer src.Unsubscribe(sub)

	ticker := time.NewTicker(statusRefresh)
	defer ticker.Stop()

	var last session.Snapshot
	seen := false
	draw := func() {
		var pending *alert.Alert
		if a, ok := src.PendingAlert(); ok {
			pending = &a
		}
		line := renderStatus(last, pending, time.Now())
		if tty {
			fmt.Fprint(out, clearLineSequence+line)
			return
		}
		fmt.Fprintln(out, line)
	}

	for {
		select {
		case <-ctx.Done():
			if tty {
				fmt.Fprintln(out)
			}
			return
		case snap, ok := <-sub.C():
			if !ok {
				return
			}
			last, seen = snap, true
			draw()
		case <-ticker.C:
			if tty && seen {
				draw()
			}
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
