package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/fallwatch/internal/device/goble"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby Polar H10 straps",
	Long: `Scan for Polar H10 straps in range and print their addresses.

Use an address with 'fallwatch run --device' (or device.preferred_id in the
configuration) to always connect to the same strap.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationP("duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringP("format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().String("prefix", goble.DefaultNamePrefix, "Advertised name prefix to match")
}

// strapScanner is the scanning half of the BLE peripheral.
type strapScanner interface {
	Scan(ctx context.Context, opts *goble.ScanOptions) ([]goble.Strap, error)
}

// newScanner is replaced in tests.
var newScanner = func(logger *logrus.Logger) strapScanner {
	return goble.NewScanner(nil, logger)
}

func runScan(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
	duration, _ := cmd.Flags().GetDuration("duration")
	if duration <= 0 {
		return fmt.Errorf("invalid duration %s: must be > 0", duration)
	}
	prefix, _ := cmd.Flags().GetString("prefix")

	logger, err := configureLogger(cmd, nil)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	out := cmd.OutOrStdout()
	var progress *ProgressPrinter
	if isTerminal(out) && format == "table" {
		progress = NewProgressPrinter(out, "Scanning for Polar straps", duration)
		progress.Start()
	}

	straps, err := newScanner(logger).Scan(ctx, &goble.ScanOptions{Duration: duration, NamePrefix: prefix})
	if progress != nil {
		progress.Stop()
	}
	if err != nil {
		return err
	}

	if format == "json" {
		return displayStrapsJSON(out, straps)
	}
	return displayStrapsTable(out, straps)
}

func displayStrapsTable(out io.Writer, straps []goble.Strap) error {
	if len(straps) == 0 {
		fmt.Fprintln(out, "No straps discovered")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tLAST SEEN")
	for _, s := range straps {
		name := s.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s ago\n", name, s.ID, s.RSSI, time.Since(s.LastSeen).Truncate(time.Second))
	}
	return w.Flush()
}

type strapJSON struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

func displayStrapsJSON(out io.Writer, straps []goble.Strap) error {
	list := make([]strapJSON, len(straps))
	for i, s := range straps {
		list[i] = strapJSON{Name: s.Name, Address: s.ID, RSSI: s.RSSI}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(list)
}
