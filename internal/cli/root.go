// Package cli wires the cobra command surface: the task subcommands
// against the shared store, and the interactive workspace.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
	"github.com/kbtz-tools/kbtz-workspace/internal/infra/taskstore"
)

var dbPath string

// NewRootCmd builds the kbtz-workspace command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kbtz-workspace",
		Short:         "Terminal multiplexer for kbtz agent sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "",
		"path to kbtz database [default: $KBTZ_DB or ~/.kbtz/kbtz.db]")

	root.AddCommand(
		newWorkspaceCmd(),
		newAddCmd(),
		newClaimCmd(),
		newClaimNextCmd(),
		newStealCmd(),
		newReleaseCmd(),
		newForceUnassignCmd(),
		newDoneCmd(),
		newReopenCmd(),
		newPauseCmd(),
		newUnpauseCmd(),
		newReparentCmd(),
		newDescribeCmd(),
		newRmCmd(),
		newLsCmd(),
		newShowCmd(),
		newNoteCmd(),
		newNotesCmd(),
		newBlockCmd(),
		newUnblockCmd(),
		newSearchCmd(),
		newExecCmd(),
		newWaitCmd(),
	)
	return root
}

// Execute runs the CLI and maps failures to exit codes: 0 on clean
// shutdown, non-zero on lock contention, missing/corrupt database, or
// I/O errors.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kbtz-workspace: %v\n", err)
		os.Exit(1)
	}
}

func resolveDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	return domain.DBPath()
}

// openStore opens the task database for one subcommand invocation.
func openStore() (*taskstore.Store, error) {
	return taskstore.Open(resolveDBPath())
}

// withStore runs fn against an opened store and closes it afterwards.
func withStore(fn func(s *taskstore.Store) error) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}
