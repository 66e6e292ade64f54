package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
	"github.com/kbtz-tools/kbtz-workspace/internal/infra/taskstore"
)

func newAddCmd() *cobra.Command {
	var parent, note, claim string
	var paused bool
	cmd := &cobra.Command{
		Use:   "add NAME [DESC]",
		Short: "Add a task",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc := ""
			if len(args) == 2 {
				desc = args[1]
			}
			opts := domain.CreateOptions{Note: note, Assignee: claim, Paused: paused}
			if parent != "" {
				opts.Parent = &parent
			}
			return withStore(func(s *taskstore.Store) error {
				if err := s.CreateTask(args[0], desc, opts); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Added '%s'\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&parent, "parent", "p", "", "parent task name")
	cmd.Flags().StringVarP(&note, "note", "n", "", "initial note")
	cmd.Flags().StringVarP(&claim, "claim", "c", "", "create already claimed by this assignee")
	cmd.Flags().BoolVar(&paused, "paused", false, "create in paused state")
	return cmd
}

func newClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim NAME ASSIGNEE",
		Short: "Claim a task (set assignee)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *taskstore.Store) error {
				return s.Claim(args[0], args[1])
			})
		},
	}
}

func newClaimNextCmd() *cobra.Command {
	var prefer string
	cmd := &cobra.Command{
		Use:   "claim-next ASSIGNEE",
		Short: "Claim the best available task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *taskstore.Store) error {
				task, err := s.ClaimNext(args[0], prefer)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), task.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&prefer, "prefer", "", "soft preference text for ranking")
	return cmd
}

func newStealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steal NAME ASSIGNEE",
		Short: "Atomically transfer task ownership",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *taskstore.Store) error {
				prev, err := s.Steal(args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "'%s' taken from '%s'\n", args[0], prev)
				return nil
			})
		},
	}
}

func newReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release NAME ASSIGNEE",
		Short: "Release a task (clear assignee if it matches)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *taskstore.Store) error {
				return s.Release(args[0], args[1])
			})
		},
	}
}

func newForceUnassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-unassign NAME",
		Short: "Forcibly clear a task's assignee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *taskstore.Store) error {
				return s.ForceUnassign(args[0])
			})
		},
	}
}

func simpleTaskCmd(use, short string, fn func(s *taskstore.Store, name string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *taskstore.Store) error {
				return fn(s, args[0])
			})
		},
	}
}

func newDoneCmd() *cobra.Command {
	return simpleTaskCmd("done NAME", "Mark a task as done",
		func(s *taskstore.Store, name string) error { return s.MarkDone(name) })
}

func newReopenCmd() *cobra.Command {
	return simpleTaskCmd("reopen NAME", "Reopen a completed task",
		func(s *taskstore.Store, name string) error { return s.Reopen(name) })
}

func newPauseCmd() *cobra.Command {
	return simpleTaskCmd("pause NAME", "Pause a task",
		func(s *taskstore.Store, name string) error { return s.Pause(name) })
}

func newUnpauseCmd() *cobra.Command {
	return simpleTaskCmd("unpause NAME", "Unpause a paused task",
		func(s *taskstore.Store, name string) error { return s.Unpause(name) })
}

func newReparentCmd() *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   "reparent NAME",
		Short: "Change a task's parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p *string
			if parent != "" {
				p = &parent
			}
			return withStore(func(s *taskstore.Store) error {
				return s.Reparent(args[0], p)
			})
		},
	}
	cmd.Flags().StringVarP(&parent, "parent", "p", "", "new parent task name (omit to make root-level)")
	return cmd
}

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe NAME DESC",
		Short: "Update a task's description",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *taskstore.Store) error {
				return s.Describe(args[0], args[1])
			})
		},
	}
}

func newRmCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm NAME",
		Short: "Remove a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *taskstore.Store) error {
				return s.Remove(args[0], recursive)
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "remove the task and all its descendants")
	return cmd
}

func newLsCmd() *cobra.Command {
	var status, root string
	var all bool
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.ListFilter{Root: root, All: all}
			if status != "" {
				st, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = &st
			}
			return withStore(func(s *taskstore.Store) error {
				tasks, err := s.List(filter)
				if err != nil {
					return err
				}
				printTasks(cmd.OutOrStdout(), tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status (open, active, paused, done)")
	cmd.Flags().StringVar(&root, "root", "", "list only this task and its descendants")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include done and paused tasks")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show a task in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *taskstore.Store) error {
				task, err := s.Get(args[0])
				if err != nil {
					return err
				}
				blockers, err := s.Blockers(args[0])
				if err != nil {
					return err
				}
				dependents, err := s.Dependents(args[0])
				if err != nil {
					return err
				}
				notes, err := s.Notes(args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s [%s]\n", task.Name, task.Status)
				if task.Description != "" {
					fmt.Fprintf(out, "  %s\n", task.Description)
				}
				if task.Parent != nil {
					fmt.Fprintf(out, "  parent: %s\n", *task.Parent)
				}
				if task.Assignee != nil {
					fmt.Fprintf(out, "  assignee: %s\n", *task.Assignee)
				}
				if len(blockers) > 0 {
					fmt.Fprintf(out, "  blocked by: %s\n", strings.Join(blockers, ", "))
				}
				if len(dependents) > 0 {
					fmt.Fprintf(out, "  blocks: %s\n", strings.Join(dependents, ", "))
				}
				fmt.Fprintf(out, "  created: %s\n", task.CreatedAt)
				for _, n := range notes {
					fmt.Fprintf(out, "  note [%s]: %s\n", n.CreatedAt, n.Content)
				}
				return nil
			})
		},
	}
}

func newNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note NAME [CONTENT]",
		Short: "Add a note to a task (content from stdin when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content string
			if len(args) == 2 {
				content = args[1]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				content = string(data)
				if content == "" {
					return fmt.Errorf("no content provided")
				}
			}
			return withStore(func(s *taskstore.Store) error {
				if err := s.AddNote(args[0], content); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Added note to '%s'\n", args[0])
				return nil
			})
		},
	}
}

func newNotesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notes NAME",
		Short: "List a task's notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *taskstore.Store) error {
				notes, err := s.Notes(args[0])
				if err != nil {
					return err
				}
				for _, n := range notes {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", n.CreatedAt, n.Content)
				}
				return nil
			})
		},
	}
}

func newBlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block BLOCKER BLOCKED",
		Short: "Record that one task blocks another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *taskstore.Store) error {
				if err := s.AddBlock(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "'%s' now blocks '%s'\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock BLOCKER BLOCKED",
		Short: "Remove a blocking edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *taskstore.Store) error {
				if err := s.RemoveBlock(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "'%s' no longer blocks '%s'\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search QUERY",
		Short: "Full-text search over names, descriptions, and notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *taskstore.Store) error {
				results, err := s.Search(args[0])
				if err != nil {
					return err
				}
				for _, r := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s [%s] (%s)\n",
						r.Task.Icon(), r.Task.Name, r.Task.Status, r.MatchedLabel())
				}
				return nil
			})
		},
	}
}

func newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec",
		Short: "Execute commands from stdin atomically (all-or-nothing transaction)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withStore(func(s *taskstore.Store) error {
				return s.Exec(string(input))
			})
		},
	}
}

func newWaitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait",
		Short: "Block until the task database changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *taskstore.Store) error {
				waiter, err := s.NewWaiter()
				if err != nil {
					return err
				}
				defer waiter.Close()
				_, err = waiter.WaitForChange(cmd.Context(), 0)
				return err
			})
		},
	}
}

func printTasks(out io.Writer, tasks []domain.Task) {
	for _, t := range tasks {
		line := fmt.Sprintf("%s %s", t.Icon(), t.Name)
		if t.Assignee != nil {
			line += " (" + *t.Assignee + ")"
		}
		if t.Description != "" {
			line += "  " + t.Description
		}
		fmt.Fprintln(out, line)
	}
}
