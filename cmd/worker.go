package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/browser"
	"github.com/sells-group/visibility-engine/internal/store"
	"github.com/sells-group/visibility-engine/internal/trial"
	"github.com/sells-group/visibility-engine/internal/worker"
)

var (
	workerID        string
	workerProviders []string
	workerSessions  string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a browser worker that pulls acquisition jobs from the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if workerID != "" {
			cfg.Worker.ID = workerID
		}
		if cfg.Worker.ID == "" {
			host, err := os.Hostname()
			if err != nil {
				return eris.Wrap(err, "resolve worker id")
			}
			cfg.Worker.ID = host
		}
		if len(workerProviders) > 0 {
			cfg.Worker.Providers = workerProviders
		}
		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		catalog, err := browser.LoadCatalog()
		if err != nil {
			return err
		}

		// Sessions live in a local SQLite file beside the browser, not in the
		// API's database.
		var sessions *browser.Sessions
		if workerSessions != "" {
			st, err := store.NewSQLite(workerSessions)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
			if err := st.Migrate(ctx); err != nil {
				return eris.Wrap(err, "migrate session store")
			}
			sessions = browser.NewSessions(st, cfg.Browser.SessionTTL, cfg.Browser.UserID)
		}

		mgr := browser.NewManager(cfg.Browser)
		defer mgr.Close() //nolint:errcheck
		if err := mgr.Connect(ctx); err != nil {
			// The worker still heartbeats so the router sees it as down.
			zap.L().Warn("browser not connected", zap.Error(err))
		}

		runner := trial.NewBrowser(browser.NewDriver(mgr, catalog, sessions), cfg.Trial)
		client := worker.NewClient(cfg.Worker.APIURL, worker.WithAPIKey(cfg.Server.APIKey))
		w := worker.New(client, runner, cfg.Worker, cfg.Ledger.Cooldowns, worker.WithConnected(mgr.Connected))

		return w.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "worker ID (default from config or hostname)")
	workerCmd.Flags().StringSliceVar(&workerProviders, "providers", nil, "providers this worker serves (default from config)")
	workerCmd.Flags().StringVar(&workerSessions, "sessions", "worker-sessions.db", "SQLite file for saved browser sessions (empty disables)")
	rootCmd.AddCommand(workerCmd)
}
