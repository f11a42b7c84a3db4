package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperstack/kbsync/internal/config"
	"github.com/hyperstack/kbsync/internal/snapshot"
)

var (
	snapshotPathOverride string
	snapshotJSONOutput   bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and manage the persisted snapshot",
	Long:  "Inspect or clear the locally persisted synchronization snapshot without running the daemon.",
}

func init() {
	snapshotCmd.PersistentFlags().StringVar(&snapshotPathOverride, "path", "",
		"Snapshot database path (overrides config and KBSYNC_SNAPSHOT_PATH)")
	snapshotCmd.PersistentFlags().BoolVar(&snapshotJSONOutput, "json", false,
		"Output in JSON format")

	snapshotCmd.AddCommand(snapshotInfoCmd)
	snapshotCmd.AddCommand(snapshotClearCmd)
}

func resolveSnapshotStore() (*snapshot.Store, error) {
	path := snapshotPathOverride
	if path == "" {
		// Dev mode so a missing backend configuration does not block
		// local snapshot inspection.
		os.Setenv("KBSYNC_DEV_MODE", "true")
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		path = cfg.Snapshot.Path
	}
	return snapshot.Open(path)
}

var snapshotInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the persisted snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := resolveSnapshotStore()
		if err != nil {
			return err
		}
		defer store.Close()

		snap, ok, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("no snapshot persisted")
			return nil
		}

		if snapshotJSONOutput {
			return json.NewEncoder(os.Stdout).Encode(snap)
		}
		fmt.Printf("kb_id:              %s\n", snap.KBID)
		fmt.Printf("saved_at:           %s\n", snap.Timestamp.Format("2006-01-02 15:04:05 MST"))
		fmt.Printf("root_resources:     %d\n", len(snap.RootResources))
		fmt.Printf("folder_listings:    %d\n", len(snap.FolderStatuses))
		fmt.Printf("optimistic_deletes: %d\n", len(snap.OptimisticDeletes))
		fmt.Printf("optimistic_folders: %d\n", len(snap.OptimisticFolders))
		return nil
	},
}

var snapshotClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the persisted snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := resolveSnapshotStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("snapshot cleared")
		return nil
	},
}
