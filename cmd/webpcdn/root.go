package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aellingwood/webpcdn/internal/config"
	"github.com/aellingwood/webpcdn/internal/metadata"
)

var rootCmd = &cobra.Command{
	Use:   "webpcdn",
	Short: "Serve platform images as WebP through an image CDN",
	Long: "webpcdn rewrites <img> tags produced by a publishing platform into <picture> " +
		"elements whose <source> asks the image CDN for a WebP rendition, keeping the " +
		"original format as fallback.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "webpcdn.yaml", "path to config file")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the file named by --config. The default file may be
// absent; a file named explicitly must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flag := cmd.Root().PersistentFlags().Lookup("config")
	cfg, err := config.LoadOrDefault(flag.Value.String(), !flag.Changed)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func verbose(cmd *cobra.Command) bool {
	v, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	return v
}

// openMetadata opens the configured metadata store and wraps it in a cache.
// The caller closes the store.
func openMetadata(cfg *config.Config) (metadata.Store, *metadata.Cache, error) {
	store, err := metadata.Open(cfg.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("opening metadata: %w", err)
	}
	return store, metadata.NewCache(store), nil
}
