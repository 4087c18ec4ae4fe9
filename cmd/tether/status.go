package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state: device identity, checkpoint, queued changes",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusOutput struct {
	SourceID       string `json:"source_id"`
	Checkpoint     string `json:"checkpoint"`
	PendingChanges int    `json:"pending_changes"`
	DatabasePath   string `json:"database_path"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()

	out := statusOutput{DatabasePath: cfg.Database.Path}

	sourceID, err := db.GetMeta(ctx, store.MetaSourceID)
	if err != nil && !errors.Is(err, store.ErrMetaNotFound) {
		return err
	}
	out.SourceID = sourceID

	cursor, err := db.Checkpoint(ctx)
	if err != nil {
		return err
	}
	out.Checkpoint = string(cursor)

	pending, err := db.PendingCount(ctx)
	if err != nil {
		return err
	}
	out.PendingChanges = pending

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
