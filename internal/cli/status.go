package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newStatusCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, sync state and the pending count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, f, func(s *session) error {
				st := s.svc.Status()
				return output(cmd, f, st, func(w io.Writer) {
					fmt.Fprintf(w, "online:  %t\nsyncing: %t\npending: %d\n", st.Online, st.Syncing, st.Pending)
					if s.svc.UsingFallbackStore() {
						fmt.Fprintln(w, "warning: local store unavailable, using memory")
					}
				})
			})
		},
	}
}
