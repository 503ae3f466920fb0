package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aellingwood/webpcdn/internal/config"
	"github.com/aellingwood/webpcdn/internal/metadata"
	"github.com/aellingwood/webpcdn/internal/rewrite"
	"github.com/aellingwood/webpcdn/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve [dir]",
	Short: "Preview a directory of pages with images rewritten",
	Long: "Serve a directory of rendered pages, rewriting their images on every request. " +
		"Pages reload in the browser when files or the metadata file change.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		overrides := map[string]any{}
		if cmd.Flags().Changed("port") {
			port, _ := cmd.Flags().GetInt("port")
			overrides["port"] = port
		}
		if cmd.Flags().Changed("bind") {
			bind, _ := cmd.Flags().GetString("bind")
			overrides["host"] = bind
		}
		if noLiveReload, _ := cmd.Flags().GetBool("no-live-reload"); noLiveReload {
			overrides["livereload"] = false
		}
		cfg.WithOverrides(overrides)

		siteDir := "public"
		if len(args) == 1 {
			siteDir = args[0]
		}
		if info, err := os.Stat(siteDir); err != nil || !info.IsDir() {
			return fmt.Errorf("%s is not a directory", siteDir)
		}

		store, lookup, err := openMetadata(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		opts := server.ServeOptions{
			Port:         cfg.Server.Port,
			Bind:         cfg.Server.Host,
			SiteDir:      siteDir,
			NoLiveReload: !cfg.Server.LiveReload,
			Verbose:      verbose(cmd),
		}
		if fileStore, ok := store.(*metadata.FileStore); ok && cfg.Metadata.Source == config.MetadataFile {
			opts.MetadataPath = fileStore.Path()
			opts.OnMetadataChange = func() error {
				if err := fileStore.Reload(); err != nil {
					return err
				}
				lookup.Reset()
				return nil
			}
		}

		srv := server.NewServer(rewrite.New(cfg.WebP, lookup), opts)
		srv.SetWatcher(server.NewWatcher(srv.WatchPaths(), 100*time.Millisecond, srv.HandleChanges))

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case <-sigCh:
				fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
				_ = srv.Stop()
				cancel()
			case <-ctx.Done():
			}
		}()

		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().Int("port", 1414, "server port")
	serveCmd.Flags().String("bind", "localhost", "bind address")
	serveCmd.Flags().Bool("no-live-reload", false, "disable live reload")

	rootCmd.AddCommand(serveCmd)
}
