package cli

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/branchdb"
	"github.com/weftlabs/weft/internal/colors"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/docstore"
	"github.com/weftlabs/weft/internal/logging"
)

var (
	initServerURL string
	initUsername  string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a weft project in the current directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := os.Getwd()
		if err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(root, config.ConfigFileName)); err == nil {
			return fmt.Errorf("%s already exists", config.ConfigFileName)
		}

		cfg := config.DefaultConfig()
		cfg.Server.URL = initServerURL
		cfg.User.Name = initUsername
		if cfg.User.Name == "" {
			if u, err := user.Current(); err == nil {
				cfg.User.Name = u.Username
			}
		}

		if err := os.MkdirAll(filepath.Join(root, ".weft"), 0o755); err != nil {
			return err
		}

		log := logging.New(logging.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
		store, err := docstore.Open(cfg.StorePath(root), log)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		defer func() {
			if err := store.Close(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "warning: close store: %v\n", err)
			}
		}()

		db, err := branchdb.Init(ctx, store, branchdb.Options{Log: log, Username: cfg.User.Name})
		if err != nil {
			return fmt.Errorf("initialize project: %w", err)
		}
		cfg.Project.MetadataDocID = string(db.MetadataDocID())
		if err := config.Save(root, cfg); err != nil {
			return err
		}

		fmt.Printf("%s\n", colors.SuccessText("Initialized weft project"))
		fmt.Printf("  project id: %s\n", colors.Cyan(string(db.MetadataDocID())))
		fmt.Printf("  main branch: %s\n", colors.Cyan(string(db.MainID())))
		if cfg.Server.URL == "" {
			fmt.Printf("  %s\n", colors.Dim("no sync server configured, running offline"))
		}
		fmt.Printf("Run %s to start syncing.\n", colors.Bold("weft run"))
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initServerURL, "server", "", "sync server websocket URL")
	initCmd.Flags().StringVar(&initUsername, "name", "", "username attached to commits")
}
