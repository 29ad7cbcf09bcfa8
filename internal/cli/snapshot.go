package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var restoreSnapshotID string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <stack>",
	Short: "Capture a snapshot of a stack",
	Long: `Asks every resource that supports snapshotting to capture its state, then
persists the snapshot next to the stack state.`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshot,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <stack>",
	Short: "Restore a stack from a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

func init() {
	restoreCmd.Flags().StringVar(&restoreSnapshotID, "snapshot-id", "", "Snapshot to restore from (required)")
	restoreCmd.MarkFlagRequired("snapshot-id")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := args[0]

	backend, err := openBackend(name)
	if err != nil {
		return err
	}
	if err := backend.Lock(); err != nil {
		return err
	}
	defer backend.Unlock()

	s, err := loadStack(ctx, name, backend)
	if err != nil {
		return err
	}

	fmt.Printf("Snapshotting stack %s:\n", name)
	snap, err := s.Snapshot(ctx)
	reportOutcome(s)
	if err != nil {
		return err
	}

	store, ok := backend.(snapshotStore)
	if !ok {
		return fmt.Errorf("backend %q cannot persist snapshots", flagBackend)
	}
	if err := store.SaveSnapshot(snap); err != nil {
		return err
	}
	fmt.Printf("Snapshot saved: %s\n", snap.ID)
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := args[0]

	backend, err := openBackend(name)
	if err != nil {
		return err
	}
	store, ok := backend.(snapshotStore)
	if !ok {
		return fmt.Errorf("backend %q cannot load snapshots", flagBackend)
	}
	snap, err := store.LoadSnapshot(restoreSnapshotID)
	if err != nil {
		return err
	}

	if err := backend.Lock(); err != nil {
		return err
	}
	defer backend.Unlock()

	s, err := loadStack(ctx, name, backend)
	if err != nil {
		return err
	}

	fmt.Printf("Restoring stack %s from snapshot %s:\n", name, snap.ID)
	err = s.Restore(ctx, snap)
	reportOutcome(s)
	return err
}
