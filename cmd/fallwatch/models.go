package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/fallwatch/internal/model"
)

// modelsCmd represents the models command
var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the fall models in the catalog",
	Long: `List the models the selector can load, in catalog order.

The built-in catalog is replaced by detection.models in the configuration.`,
	Args: cobra.NoArgs,
	RunE: runModels,
}

func runModels(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, nil)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	registry, err := loadRegistry(cfg, logger)
	if err != nil {
		return err
	}

	set, _ := model.ParseFeatureSet(cfg.Detection.FeatureSet)
	def := model.Key{Arch: model.Architecture(cfg.Detection.Architecture), Features: set, Lag: cfg.Detection.Lag}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ARCH\tFEATURES\tLAG\tDESCRIPTION")
	for _, key := range registry.Keys() {
		entry, _ := registry.Entry(key)
		marker := ""
		if key == def {
			marker = " (default)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s%s\n", key.Arch, key.Features, key.Lag, entry.Description, marker)
	}
	return w.Flush()
}
