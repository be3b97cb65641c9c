package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/fieldsync/internal/logging"
	"github.com/mesh-intelligence/fieldsync/internal/metrics"
	"github.com/mesh-intelligence/fieldsync/internal/offline"
	"github.com/mesh-intelligence/fieldsync/internal/remote"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// session is one started offline service plus what it was built from.
type session struct {
	cfg    types.Config
	logger *zap.Logger
	svc    *offline.Service
}

// openSession loads the configuration and starts the offline service.
// The caller must Close it.
func openSession(ctx context.Context, f *rootFlags, m *metrics.Collector) (*session, error) {
	cfg, err := loadConfig(f)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, userError(err)
	}

	var r types.Remote
	if cfg.Remote.URL != "" {
		client, err := remote.New(cfg.Remote, remote.Options{Logger: logger})
		if err != nil {
			return nil, userError(err)
		}
		r = client
	}

	svc, err := offline.New(offline.Options{
		Config:        cfg,
		Remote:        r,
		InitialOnline: !f.offline,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		return nil, sysError(fmt.Errorf("start offline service: %w", err))
	}
	return &session{cfg: cfg, logger: logger, svc: svc}, nil
}

func (s *session) Close() error {
	err := s.svc.Close()
	_ = s.logger.Sync()
	return err
}

// withSession runs fn against a started service and closes it after.
func withSession(cmd *cobra.Command, f *rootFlags, fn func(*session) error) error {
	s, err := openSession(cmd.Context(), f, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// output writes v as indented JSON in --json mode, otherwise calls text.
func output(cmd *cobra.Command, f *rootFlags, v any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if f.jsonMode {
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		fmt.Fprintln(w, string(out))
		return nil
	}
	text(w)
	return nil
}

// jsonArg returns arg as JSON, reading stdin when arg is "-".
func jsonArg(cmd *cobra.Command, arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if arg == "-" {
		var err error
		if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return nil, sysError(fmt.Errorf("read stdin: %w", err))
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: not valid JSON", errUsage)
	}
	return json.RawMessage(data), nil
}

// prettyJSON indents data for terminal output, falling back to the raw
// bytes.
func prettyJSON(w io.Writer, data json.RawMessage) {
	var buf []byte
	if out, err := json.MarshalIndent(data, "", "  "); err == nil {
		buf = out
	} else {
		buf = data
	}
	fmt.Fprintln(w, string(buf))
}
