package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedpipe/config"
	"github.com/d60-Lab/feedpipe/internal/api"
	"github.com/d60-Lab/feedpipe/internal/api/handler"
	"github.com/d60-Lab/feedpipe/internal/service"
	"github.com/d60-Lab/feedpipe/pkg/database"
	"github.com/d60-Lab/feedpipe/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, true)
			if err != nil {
				return err
			}
			a := rt.app
			h := handler.NewHandler(a.Dispatcher, a.Reader, a.Relations)
			router := api.NewRouter(h, api.RouterOptions{
				ServiceName: a.Cfg.Telemetry.ServiceName,
				Metrics:     rt.telemetry.MetricsHandler(),
				Log:         rt.log,
			})
			srv := &http.Server{Addr: a.Cfg.Server.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

			stopBackground := a.StartBackground(withWorkers)
			errCh := make(chan error, 1)
			go func() {
				rt.log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					rt.log.Error("http server failed", zap.Error(err))
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				rt.log.Warn("http shutdown", zap.Error(err))
			}
			if err := stopBackground(shutdownCtx); err != nil {
				rt.log.Warn("background shutdown", zap.Error(err))
			}
			rt.close(shutdownCtx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "with-workers", false, "also run queue workers and the scheduler in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "run queue workers and the publish scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, false)
			if err != nil {
				return err
			}
			a := rt.app
			if once {
				defer rt.close(context.Background())
				published, err := a.Scheduler.RunOnce(ctx)
				if err != nil {
					return err
				}
				n, err := a.Workers.Drain(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("published=%d processed=%d\n", published, n)
				return nil
			}

			stopBackground := a.StartBackground(true)
			rt.log.Info("workers started", zap.Int("workers", a.Cfg.Queue.Workers))
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := stopBackground(shutdownCtx); err != nil {
				rt.log.Warn("worker shutdown", zap.Error(err))
			}
			rt.close(shutdownCtx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "publish due posts, drain the queue and exit")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create or update the schema",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if _, err := logger.Init(cfg.Log); err != nil {
				return err
			}
			defer logger.Sync()
			db, err := database.InitDB(cfg)
			if err != nil {
				return err
			}
			if err := database.Migrate(db); err != nil {
				return err
			}
			logger.Info("schema migrated", zap.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <post-id>",
		Short: "rebuild a post from its events and compare with the stored state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			res, err := service.Replay(cmd.Context(), rt.app.Repos.Events, rt.app.Repos.Posts, args[0])
			if err != nil {
				return err
			}
			p := res.Replayed
			fmt.Printf("post=%s events=%d version=%d likes=%d published=%t deleted=%t\n",
				p.ID, res.Events, p.Version, p.LikeCount, p.Published, p.Deleted())
			if len(res.Drift) > 0 {
				return fmt.Errorf("state drift on %v", res.Drift)
			}
			fmt.Println("no drift")
			return nil
		},
	}
}

func deadLettersCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "show queue stats and the most recent dead letters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			stats, err := rt.app.Queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("queued=%d running=%d dead=%d\n", stats.Queued, stats.Running, stats.DeadLetters)
			dead, err := rt.app.Queue.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, d := range dead {
				fmt.Printf("%s %s %s attempts=%d payload=%s error=%q\n",
					d.At.Format(time.RFC3339), d.TaskID, d.Type, d.Attempts, d.Payload, d.LastError)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of dead letters to show")
	return cmd
}
