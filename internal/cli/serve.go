package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/fieldsync/internal/metrics"
	"github.com/mesh-intelligence/fieldsync/internal/realtime"
)

const shutdownTimeout = 5 * time.Second

type serveFlags struct {
	metricsAddr  string
	syncInterval time.Duration
}

func newServeCmd(f *rootFlags) *cobra.Command {
	var sf serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a long-lived session that follows connectivity and syncs",
		Long: "Hold a realtime session to the backend to track connectivity, replay the\n" +
			"queue whenever the connection returns or a sync event arrives, and expose\n" +
			"Prometheus metrics when an address is configured. Stops on SIGINT or SIGTERM.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, f, sf)
		},
	}
	cmd.Flags().StringVar(&sf.metricsAddr, "metrics-addr", "", "metrics listen address (overrides metrics.addr)")
	cmd.Flags().DurationVar(&sf.syncInterval, "sync-interval", time.Minute, "periodic sync interval; 0 disables")
	return cmd
}

func runServe(cmd *cobra.Command, f *rootFlags, sf serveFlags) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector(reg)

	s, err := openSession(cmd.Context(), f, m)
	if err != nil {
		return err
	}
	defer s.Close()

	g, ctx := errgroup.WithContext(cmd.Context())

	if s.cfg.Realtime.URL != "" {
		header := http.Header{}
		if key := s.cfg.Remote.APIKey; key != "" {
			header.Set("apikey", key)
		}
		rt, err := realtime.New(s.cfg.Realtime, s.svc.Monitor(), realtime.Options{
			Header: header,
			OnSync: s.svc.BackgroundSync,
			Logger: s.logger,
		})
		if err != nil {
			return userError(err)
		}
		g.Go(func() error { return rt.Run(ctx) })
	} else {
		s.logger.Info("no realtime endpoint configured, connectivity stays as started",
			zap.Bool("online", s.svc.IsOnline()))
	}

	addr := s.cfg.Metrics.Addr
	if sf.metricsAddr != "" {
		addr = sf.metricsAddr
	}
	if addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			s.logger.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		syncLoop(ctx, s, sf.syncInterval)
		return nil
	})

	s.logger.Info("fieldsync serving")
	if err := g.Wait(); err != nil {
		return sysError(err)
	}
	s.logger.Info("fieldsync stopped")
	return nil
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	return mux
}

// syncLoop starts a background drain at once and then every interval
// until ctx is done.
func syncLoop(ctx context.Context, s *session, interval time.Duration) {
	s.svc.BackgroundSync()
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.svc.BackgroundSync()
		}
	}
}
