package cli

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func newQueueCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the pending-action queue",
	}
	cmd.AddCommand(
		newQueueListCmd(f),
		newQueueAddCmd(f),
		newQueueRemoveCmd(f),
		newQueueClearCmd(f),
		newQueueDeadCmd(f),
		newQueueRequeueCmd(f),
	)
	return cmd
}

func writeActions(w io.Writer, actions []types.PendingAction) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tQUEUED\tPAYLOAD")
	for _, a := range actions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", a.ID, a.Type, stamp(a.Timestamp), a.Payload)
	}
	tw.Flush()
}

func stamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func newQueueListCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending actions in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, f, func(s *session) error {
				actions := s.svc.PendingActions()
				if actions == nil {
					actions = []types.PendingAction{}
				}
				return output(cmd, f, actions, func(w io.Writer) {
					writeActions(w, actions)
				})
			})
		},
	}
}

func newQueueAddCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add <type> <json|->",
		Short: "Queue a mutation for replay",
		Example: `  fieldsync queue add UPDATE_JOB '{"id":1,"status":"closed"}'
  fieldsync queue add CREATE_TASK '{"job_id":1,"title":"Inspect"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := jsonArg(cmd, args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, f, func(s *session) error {
				a, err := s.svc.QueueAction(cmd.Context(), types.ActionType(args[0]), payload)
				if err != nil {
					return err
				}
				return output(cmd, f, a, func(w io.Writer) {
					fmt.Fprintf(w, "queued %s as #%d\n", a.Type, a.ID)
				})
			})
		},
	}
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: id %q", errUsage, arg)
	}
	return id, nil
}

func newQueueRemoveCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Drop a pending action without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, f, func(s *session) error {
				if err := s.svc.RemoveAction(cmd.Context(), id); err != nil {
					return err
				}
				return output(cmd, f, map[string]int64{"removed": id}, func(w io.Writer) {
					fmt.Fprintf(w, "removed #%d\n", id)
				})
			})
		},
	}
}

func newQueueClearCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every pending action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, f, func(s *session) error {
				if err := s.svc.ClearActions(cmd.Context()); err != nil {
					return err
				}
				return output(cmd, f, map[string]bool{"cleared": true}, func(w io.Writer) {
					fmt.Fprintln(w, "queue cleared")
				})
			})
		},
	}
}

func newQueueDeadCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, f, func(s *session) error {
				dead, err := s.svc.DeadActions(cmd.Context())
				if err != nil {
					return err
				}
				if dead == nil {
					dead = []types.DeadAction{}
				}
				return output(cmd, f, dead, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tTYPE\tDEAD SINCE\tREASON")
					for _, d := range dead {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", d.ID, d.Type, stamp(d.DeadAt), d.Reason)
					}
					tw.Flush()
				})
			})
		},
	}
}

func newQueueRequeueCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <dead-id>",
		Short: "Move a dead-lettered action back to the tail of the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, f, func(s *session) error {
				a, err := s.svc.Requeue(cmd.Context(), id)
				if err != nil {
					return err
				}
				return output(cmd, f, a, func(w io.Writer) {
					fmt.Fprintf(w, "requeued %s as #%d\n", a.Type, a.ID)
				})
			})
		},
	}
}
