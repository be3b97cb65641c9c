// Package cli implements the fieldsync command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/fieldsync/internal/cache"
	"github.com/mesh-intelligence/fieldsync/internal/storage"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds the global flags shared by every subcommand.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
	offline   bool
}

// exitError pins the exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func userError(err error) error { return &exitError{code: exitUserError, err: err} }
func sysError(err error) error  { return &exitError{code: exitSysError, err: err} }

// errUsage marks a malformed argument.
var errUsage = errors.New("invalid argument")

// userErrors are caused by what the user asked for rather than by the
// environment.
var userErrors = []error{
	errUsage,
	types.ErrInvalidPayload,
	types.ErrUnknownAction,
	types.ErrUnknownEntity,
	types.ErrNotFound,
	types.ErrNoCachedData,
	types.ErrOfflineBlocked,
	types.ErrBackendEmpty,
	types.ErrBackendUnknown,
	types.ErrPolicyInvalid,
	types.ErrTimeoutInvalid,
	types.ErrReconnectInvalid,
	types.ErrLogLevelUnknown,
	types.ErrLogFormatUnknown,
	storage.ErrDataDirEmpty,
	cache.ErrInvalidData,
}

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	for _, target := range userErrors {
		if errors.Is(err, target) {
			return exitUserError
		}
	}
	if errors.Is(err, types.ErrStorage) || errors.Is(err, types.ErrRemote) {
		return exitSysError
	}
	// Cobra's own flag and argument errors.
	return exitUserError
}

// NewRootCmd creates the top-level "fieldsync" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline data layer for field operations",
		Long: "fieldsync keeps a local cache of projects, jobs and tasks and a queue of\n" +
			"edits made offline, and replays the queue when connectivity returns.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	pf.StringVar(&f.dataDir, "data-dir", "", "data directory (default: ./.fieldsync)")
	pf.BoolVar(&f.jsonMode, "json", false, "output in JSON format")
	pf.BoolVar(&f.offline, "offline", false, "start disconnected from the remote service")

	root.AddCommand(
		newVersionCmd(f),
		newInitCmd(f),
		newStatusCmd(f),
		newCacheCmd(f),
		newQueueCmd(f),
		newSyncCmd(f),
		newMutateCmd(f),
		newServeCmd(f),
	)
	return root
}

// Execute runs the CLI with os.Args and returns the process exit code.
// SIGINT and SIGTERM cancel the command context.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, NewRootCmd(), os.Args[1:], os.Stderr)
}

func run(ctx context.Context, root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return exitCode(err)
}
