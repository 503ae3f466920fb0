package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aellingwood/webpcdn/internal/rewrite"
	"github.com/aellingwood/webpcdn/internal/server"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run a reverse proxy that rewrites HTML pages",
	Long: "Relay requests to the upstream site and rewrite the images of every HTML page " +
		"on the way back. Pages under proxy.skipPaths (the admin area by default) are relayed " +
		"untouched. Statistics are served at " + server.StatusPath + ".",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		overrides := map[string]any{}
		if cmd.Flags().Changed("upstream") {
			upstream, _ := cmd.Flags().GetString("upstream")
			overrides["upstream"] = upstream
		}
		if cmd.Flags().Changed("listen") {
			listen, _ := cmd.Flags().GetString("listen")
			overrides["listen"] = listen
		}
		if cmd.Flags().Changed("skip-path") {
			paths, _ := cmd.Flags().GetStringSlice("skip-path")
			overrides["skipPaths"] = paths
		}
		cfg.WithOverrides(overrides)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.Proxy.Upstream == "" {
			return errors.New("no upstream configured (set proxy.upstream or --upstream)")
		}

		upstream, err := url.Parse(cfg.Proxy.Upstream)
		if err != nil {
			return fmt.Errorf("parsing upstream: %w", err)
		}

		store, lookup, err := openMetadata(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		counters := &server.Counters{}
		mux := http.NewServeMux()
		mux.Handle(server.StatusPath, server.StatusHandler(cfg.WebP, counters))
		mux.Handle("/", server.NewProxy(upstream, rewrite.New(cfg.WebP, lookup), counters, cfg.Proxy.SkipPaths))

		srv := &http.Server{
			Addr:              cfg.Proxy.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		fmt.Fprintf(cmd.OutOrStdout(), "Proxying %s on %s\n", upstream, cfg.Proxy.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		if verbose(cmd) {
			snap := counters.Snapshot()
			log.Printf("served %d pages: %d of %d images converted", snap.Pages, snap.Converted, snap.Images)
		}
		return nil
	},
}

func init() {
	proxyCmd.Flags().String("upstream", "", "origin URL to proxy to")
	proxyCmd.Flags().String("listen", ":8080", "listen address")
	proxyCmd.Flags().StringSlice("skip-path", nil, "path prefix relayed without rewriting (repeatable, replaces proxy.skipPaths)")

	rootCmd.AddCommand(proxyCmd)
}
