package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/fieldsync/pkg/fieldsync"
)

const modulePath = "github.com/mesh-intelligence/fieldsync"

func newVersionCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fieldsync version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := map[string]string{"version": fieldsync.Version, "module": modulePath}
			return output(cmd, f, v, func(w io.Writer) {
				fmt.Fprintf(w, "fieldsync v%s\nmodule: %s\n", fieldsync.Version, modulePath)
			})
		},
	}
}
