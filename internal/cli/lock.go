package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/docstore/internal/lock"
)

// LockInfo is the lock state of one document.
type LockInfo struct {
	ID      any        `json:"id"`
	Locked  bool       `json:"locked"`
	Owner   string     `json:"owner,omitempty"`
	Created *time.Time `json:"created,omitempty"`
}

func lockInfo(id any, l *lock.Lock) LockInfo {
	if l == nil {
		return LockInfo{ID: id}
	}
	created := l.Created
	return LockInfo{ID: id, Locked: true, Owner: l.Owner, Created: &created}
}

// NewLockCommand creates the lock command and its subcommands.
func NewLockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and change document locks",
	}
	cmd.AddCommand(newLockGetCommand(rootOpts))
	cmd.AddCommand(newLockSetCommand(rootOpts))
	cmd.AddCommand(newLockRemoveCommand(rootOpts))
	return cmd
}

func newLockGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <doc-id>",
		Short:         "Show the lock on a document",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLock(rootOpts, cmd, args[0], func(lm *lock.Manager, f *OutputFormatter, id any) error {
				l, err := lm.GetLock(cmd.Context(), id)
				if err != nil {
					return f.Fail(ExitCommandError, ErrCodeStorage, err.Error(), nil)
				}
				return f.Success(lockInfo(id, l), l.String())
			})
		},
	}
}

func newLockSetCommand(rootOpts *RootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "set <doc-id>",
		Short: "Lock a document",
		Long: `Lock a document for --owner. If the document is already locked the
existing lock is reported and the command fails.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLock(rootOpts, cmd, args[0], func(lm *lock.Manager, f *OutputFormatter, id any) error {
				prev, err := lm.SetLock(cmd.Context(), id, lock.Lock{Owner: owner})
				if err != nil {
					return f.Fail(ExitCommandError, ErrCodeStorage, err.Error(), nil)
				}
				if prev != nil {
					return f.Fail(ExitFailure, ErrCodeLocked, "already locked by "+prev.Owner, lockInfo(id, prev))
				}
				l, err := lm.GetLock(cmd.Context(), id)
				if err != nil {
					return f.Fail(ExitCommandError, ErrCodeStorage, err.Error(), nil)
				}
				return f.Success(lockInfo(id, l), l.String())
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "lock owner (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newLockRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "remove <doc-id>",
		Short: "Unlock a document",
		Long: `Remove the lock on a document. With --owner the lock is only removed
if it is held by that owner; without it any lock is removed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLock(rootOpts, cmd, args[0], func(lm *lock.Manager, f *OutputFormatter, id any) error {
				prev, err := lm.RemoveLock(cmd.Context(), id, owner)
				if err != nil {
					return f.Fail(ExitCommandError, ErrCodeStorage, err.Error(), nil)
				}
				if prev == nil {
					return f.Fail(ExitFailure, ErrCodeNotFound, "not locked", lockInfo(id, nil))
				}
				if prev.Failed {
					return f.Fail(ExitFailure, ErrCodeNotOwner, "locked by "+prev.Owner, lockInfo(id, prev))
				}
				return f.Success(lockInfo(id, nil), "unlocked (was "+prev.String()+")")
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only remove a lock held by this owner")
	return cmd
}

// runLock opens the repository and runs fn against its lock manager.
func runLock(opts *RootOptions, cmd *cobra.Command, arg string, fn func(*lock.Manager, *OutputFormatter, any) error) error {
	f := newFormatter(opts, cmd)
	repo, err := openRepository(cmd.Context(), opts, f)
	if err != nil {
		return err
	}
	defer closeRepository(cmd, repo)

	id, err := parseID(repo.Config(), arg)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	return fn(repo.Locks(), f, id)
}
