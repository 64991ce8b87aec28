package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/api"
	"github.com/sells-group/visibility-engine/internal/monitoring"
	"github.com/sells-group/visibility-engine/internal/workflow"
)

var serveAddr string

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch, queue and results API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initService(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Temporal.Enabled {
			tc, err := workflow.Dial(cfg.Temporal)
			if err != nil {
				return err
			}
			defer tc.Close()

			w := workflow.NewWorker(tc, cfg.Temporal.TaskQueue, env.Service)
			if err := w.Start(); err != nil {
				return eris.Wrap(err, "start temporal worker")
			}
			defer w.Stop()

			env.Service.SetLauncher(workflow.NewLauncher(tc, cfg.Temporal.TaskQueue))
			zap.L().Info("scripted lane runs on temporal",
				zap.String("host_port", cfg.Temporal.HostPort),
				zap.String("task_queue", cfg.Temporal.TaskQueue),
			)
		}

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store, env.Ledger, cfg.Queue.ClaimLease),
				monitoring.NewAlerter(cfg.Monitoring),
				env.Service,
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		addr := serveAddr
		if addr == "" {
			addr = cfg.Server.Addr
		}

		srv := &http.Server{
			Addr:              addr,
			Handler:           api.NewServer(env.Service, cfg.Server),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()

		zap.L().Info("starting server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}
