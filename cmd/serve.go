package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/rakeback-engine/internal/api"
	"github.com/sells-group/rakeback-engine/internal/config"
	"github.com/sells-group/rakeback-engine/internal/ledger"
	"github.com/sells-group/rakeback-engine/internal/monitoring"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort      int
	serveNoSched   bool
	serveNoChecker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with the ledger schedule and issue checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := seedPartners(ctx, env); err != nil {
			return err
		}
		if _, err := env.Rules.LoadClassifier(ctx); err != nil {
			return eris.Wrap(err, "load classifier")
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := api.New(api.Services{
			Partners:     env.Rules,
			Attributions: env.Attribution,
			Conversions:  env.Conversion,
			Ledger:       env.Ledger,
			Monitor:      env.Monitor,
			Store:        env.Store,
		}, cfg.Server).HTTPServer(fmt.Sprintf(":%d", port))

		if !serveNoSched {
			sched, err := ledger.NewScheduler(ctx, env.Ledger, cfg.Ledger.Schedule, config.Seconds(cfg.Ledger.JobTimeoutSecs))
			if err != nil {
				return err
			}
			sched.Start()
			defer sched.Stop()
		}

		g, gctx := errgroup.WithContext(ctx)
		if !serveNoChecker {
			checker := monitoring.NewChecker(env.Monitor, monitoring.NewAlerter(cfg.Monitoring, env.Clock), cfg.Monitoring)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoSched, "no-schedule", false, "do not run the monthly ledger aggregation")
	serveCmd.Flags().BoolVar(&serveNoChecker, "no-checker", false, "do not run the background issue checker")
	rootCmd.AddCommand(serveCmd)
}
