package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aellingwood/webpcdn/internal/config"
	"github.com/aellingwood/webpcdn/internal/metadata"
)

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Manage attachment size metadata",
}

var metadataImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a YAML, JSON or TOML metadata file into SQLite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		dbPath, _ := cmd.Flags().GetString("db")
		if dbPath == "" && cfg.Metadata.Source == config.MetadataSQLite {
			dbPath = cfg.Metadata.Path
		}
		if dbPath == "" {
			return errors.New("no database given (use --db or a sqlite metadata source)")
		}

		db, err := metadata.OpenSQLite(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := metadata.ImportFile(cmd.Context(), db, args[0])
		if err != nil {
			return err
		}
		total, err := db.Count(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d attachments into %s (%d total)\n", n, dbPath, total)
		return nil
	},
}

var metadataShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the metadata of one attachment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid attachment id %q", args[0])
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := metadata.Open(cfg.Metadata)
		if err != nil {
			return fmt.Errorf("opening metadata: %w", err)
		}
		defer store.Close()

		att := store.Attachment(id)
		if att == nil {
			return fmt.Errorf("attachment %d: %w", id, metadata.ErrNotFound)
		}

		out, err := yaml.Marshal(map[int]*metadata.Attachment{id: att})
		if err != nil {
			return fmt.Errorf("encoding attachment: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	metadataImportCmd.Flags().String("db", "", "SQLite database to import into")

	metadataCmd.AddCommand(metadataImportCmd)
	metadataCmd.AddCommand(metadataShowCmd)
	rootCmd.AddCommand(metadataCmd)
}
