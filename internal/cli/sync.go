package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/fieldsync/internal/offline"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

var errReplayFailed = errors.New("some actions failed to replay")

func newSyncCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay the pending-action queue against the remote service",
		Long: "Replay every queued action once, oldest first. Actions that fail stay\n" +
			"queued for the next sync. Exits with status 2 when any replay failed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, f, func(s *session) error {
				report, err := s.svc.Sync(cmd.Context())
				if err != nil {
					return sysError(err)
				}
				if err := output(cmd, f, report, func(w io.Writer) {
					if report.Skipped {
						fmt.Fprintln(w, "sync skipped: offline")
						return
					}
					fmt.Fprintf(w, "replayed %d of %d, failed %d, unknown %d, %d remaining\n",
						report.Replayed, report.Attempted, report.Failed, report.Unknown, report.Remaining)
				}); err != nil {
					return err
				}
				if report.Failed > 0 {
					return sysError(fmt.Errorf("%w: %d failed", errReplayFailed, report.Failed))
				}
				return nil
			})
		},
	}
}

func newMutateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mutate <type> <json|->",
		Short: "Apply a mutation now, or queue it when offline",
		Long: "Send a mutation to the remote service. With --offline the entity's offline\n" +
			"policy decides: queued for later, or refused. Online, a mutation waits in the\n" +
			"queue behind actions for the same entity that could not be replayed.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := jsonArg(cmd, args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, f, func(s *session) error {
				res, err := s.svc.Mutate(cmd.Context(), types.ActionType(args[0]), payload)
				if err != nil {
					return err
				}
				return output(cmd, f, res, func(w io.Writer) {
					writeMutation(w, args[0], res, s.svc.IsOnline())
				})
			})
		},
	}
}

func writeMutation(w io.Writer, t string, res offline.MutationResult, online bool) {
	switch {
	case res.Queued && online:
		fmt.Fprintf(w, "queued %s as #%d behind pending actions\n", t, res.Action.ID)
		return
	case res.Queued:
		fmt.Fprintf(w, "offline: queued %s as #%d\n", t, res.Action.ID)
		return
	}
	fmt.Fprintf(w, "applied %s\n", t)
	if len(res.Row) > 0 {
		prettyJSON(w, res.Row)
	}
}
