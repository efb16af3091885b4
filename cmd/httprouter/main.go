package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/httprouter/internal/api"
	"github.com/LeventeLantos/httprouter/internal/config"
	"github.com/LeventeLantos/httprouter/internal/events"
	"github.com/LeventeLantos/httprouter/internal/gateway"
	"github.com/LeventeLantos/httprouter/internal/lock"
	"github.com/LeventeLantos/httprouter/internal/metrics"
	"github.com/LeventeLantos/httprouter/internal/model"
	"github.com/LeventeLantos/httprouter/internal/repo"
	"github.com/LeventeLantos/httprouter/internal/scheduler"
	"github.com/LeventeLantos/httprouter/internal/service"
)

func main() {
	_ = godotenv.Load()

	slog.SetDefault(newLogger(os.Stderr))

	if err := run(); err != nil {
		slog.Error("httprouter exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAll()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return err
	}

	var (
		locks lock.Locker      = lock.NewPGLocker(db)
		pub   events.Publisher = events.NopPublisher{}
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return err
		}
		locks = lock.NewRedisLocker(rdb)
		pub = events.NewRedisPublisher(rdb, cfg.Redis.EventsChannel)
	}

	store := repo.NewPostgresRepo(db)
	gw := gateway.NewClient(cfg.Router)

	single := service.NewDispatcher(store, locks, gw, cfg.Dispatch.MessageLease).WithHooks(nil,
		func(ctx context.Context, m model.Message, status model.Status, _ string) {
			if status == model.PermanentlyFailed {
				slog.Error("message permanently failed", "message_id", m.ID, "backend", m.Connection.Backend)
			}
		},
	)
	chunks := service.NewChunkDispatcher(store, gw, service.NumericRecipient)
	sweeper := service.NewSweeper(store, locks, single, chunks, gw.BulkBackends(), service.AdmitAll, service.SweepConfig{
		Limit:      cfg.Dispatch.SweepLimit,
		StaleAfter: cfg.Dispatch.StaleQueued,
		ChunkSize:  cfg.Dispatch.ChunkSize,
		Lease:      cfg.Dispatch.SweepLease,
	})
	outbox := service.NewOutbox(store, locks, single, service.AdmitAll, pub)

	sched, err := scheduler.New(cfg.Scheduler.Interval,
		scheduler.Job{Name: "resend_errored", Run: func(ctx context.Context) error {
			_, err := sweeper.ResendErrored(ctx)
			return err
		}},
		scheduler.Job{Name: "bulk_send", Run: func(ctx context.Context) error {
			_, err := sweeper.SendBatches(ctx)
			return err
		}},
		scheduler.Job{Name: "queue_batches", Run: func(ctx context.Context) error {
			_, err := sweeper.QueueBatches(ctx)
			return err
		}},
	)
	if err != nil {
		return err
	}

	metrics.Register()

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(api.NewHandler(sched, store, single, outbox))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("httprouter starting",
		"addr", cfg.Server.Address,
		"interval", cfg.Scheduler.Interval.String(),
		"chunk_size", cfg.Dispatch.ChunkSize,
		"bulk_backends", gw.BulkBackends(),
		"redis", cfg.Redis.Enabled,
	)

	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, nil))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		d := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, rec.status, d)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", d.Milliseconds(),
		)
	})
}
