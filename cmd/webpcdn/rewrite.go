package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aellingwood/webpcdn/internal/batch"
	"github.com/aellingwood/webpcdn/internal/rewrite"
)

var rewriteCmd = &cobra.Command{
	Use:   "rewrite [path]",
	Short: "Rewrite images in HTML files",
	Long: "Rewrite <img> tags into WebP <picture> elements. Without a path the page is " +
		"read from stdin and written to stdout. A directory is rewritten file by file, " +
		"into --output or in place.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		overrides := map[string]any{}
		if cmd.Flags().Changed("quality") {
			q, _ := cmd.Flags().GetInt("quality")
			overrides["quality"] = q
		}
		if basic, _ := cmd.Flags().GetBool("basic"); basic {
			overrides["enhanced"] = false
		}
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			overrides["debug"] = true
		}
		if cmd.Flags().Changed("workers") {
			n, _ := cmd.Flags().GetInt("workers")
			overrides["workers"] = n
		}
		cfg.WithOverrides(overrides)
		if err := cfg.Validate(); err != nil {
			return err
		}

		store, lookup, err := openMetadata(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		rw := rewrite.New(cfg.WebP, lookup)
		output, _ := cmd.Flags().GetString("output")

		if len(args) == 0 {
			return rewriteStream(rw, cmd.InOrStdin(), cmd.OutOrStdout())
		}

		path := args[0]
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		if info.IsDir() {
			res, err := batch.RewriteDir(cmd.Context(), rw, batch.Options{
				SrcDir:    path,
				OutputDir: output,
				Workers:   cfg.Batch.Workers,
				Verbose:   verbose(cmd),
			})
			if err != nil {
				return fmt.Errorf("rewriting %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Rewrote %d files in %s: %d of %d images converted, %d srcsets\n",
				res.Files, res.Duration.Round(time.Millisecond),
				res.Stats.Converted, res.Stats.Images, res.Stats.Srcsets)
			if res.Copied > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Copied %d other files\n", res.Copied)
			}
			return nil
		}

		if output == "" {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			defer f.Close()
			return rewriteStream(rw, f, cmd.OutOrStdout())
		}

		st, err := batch.RewriteFile(rw, path, output)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d of %d images converted\n", output, st.Converted, st.Images)
		return nil
	},
}

func rewriteStream(rw *rewrite.Rewriter, r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	if _, err := io.WriteString(w, rw.Rewrite(string(data))); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}

func init() {
	rewriteCmd.Flags().StringP("output", "o", "", "output file or directory (default: stdout, or in place for directories)")
	rewriteCmd.Flags().Int("quality", 80, "WebP quality (1-100)")
	rewriteCmd.Flags().Bool("basic", false, "leave srcset attributes untouched")
	rewriteCmd.Flags().Bool("debug", false, "prefix each rewrite with an HTML comment")
	rewriteCmd.Flags().Int("workers", 0, "files processed at once (0: one per CPU)")

	rootCmd.AddCommand(rewriteCmd)
}
