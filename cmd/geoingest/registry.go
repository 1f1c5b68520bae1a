package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jobrunner/geoingest/internal/adapters/featuredb"
	"github.com/jobrunner/geoingest/internal/config"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage layer groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a layer group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(ctx context.Context, store *featuredb.Store) error {
			group, err := store.CreateGroup(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, group)
		})
	},
}

var layerTypeCmd = &cobra.Command{
	Use:   "layer-type",
	Short: "Manage layer types",
}

var layerTypeCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a layer type (point, line, polygon or a variant name)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		style, _ := cmd.Flags().GetString("style")
		var raw json.RawMessage
		if style != "" {
			if !json.Valid([]byte(style)) {
				return fmt.Errorf("--style is not valid JSON")
			}
			raw = json.RawMessage(style)
		}
		return withRegistry(cmd, func(ctx context.Context, store *featuredb.Store) error {
			lt, err := store.CreateLayerType(ctx, args[0], raw)
			if err != nil {
				return err
			}
			return printJSON(cmd, lt)
		})
	},
}

var layersCmd = &cobra.Command{
	Use:   "layers",
	Short: "List layers with their import status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		groupID, _ := cmd.Flags().GetInt64("group")
		return withRegistry(cmd, func(ctx context.Context, store *featuredb.Store) error {
			layers, err := store.ListLayers(ctx, groupID)
			if err != nil {
				return err
			}
			return printJSON(cmd, layers)
		})
	},
}

func init() {
	layerTypeCreateCmd.Flags().String("style", "", "default style as a JSON object")
	layersCmd.Flags().Int64("group", 0, "only list layers of this group")

	groupCmd.AddCommand(groupCreateCmd)
	layerTypeCmd.AddCommand(layerTypeCreateCmd)
	rootCmd.AddCommand(groupCmd, layerTypeCmd, layersCmd)
}

// withRegistry opens only the feature database; registry commands need
// neither upload storage nor the reprojector.
func withRegistry(cmd *cobra.Command, fn func(context.Context, *featuredb.Store) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cmd.Context(), store)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*featuredb.Store, error) {
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, err
		}
	}
	return featuredb.Open(ctx, cfg.Path, logger)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
