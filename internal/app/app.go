package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"aquasensor/go-ingest-server/internal/config"
	"aquasensor/go-ingest-server/internal/ingest"
	"aquasensor/go-ingest-server/internal/listener"
	"aquasensor/go-ingest-server/internal/metrics"
	"aquasensor/go-ingest-server/internal/mqttbroker"
	"aquasensor/go-ingest-server/internal/store"
	"aquasensor/go-ingest-server/internal/worker"
)

const listenerQuiesce = 250 * time.Millisecond

// App wires together the ingestion services and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	metrics  *metrics.Registry
	pool     *worker.Pool[ingest.Message]
	stopWork context.CancelFunc
	listener *listener.Listener
	broker   *mqttbroker.Broker
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
// On cancellation the listener is disconnected first so queued readings can drain before the
// store is closed.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath, a.cfg.Workers+1)
	if err != nil {
		return err
	}
	a.store = db

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	a.metrics = metrics.New()

	pipeline := ingest.NewPipeline(
		ingest.NewResolver(a.store),
		ingest.NewWriter(a.store, a.cfg.WriteTimeout),
		a.metrics,
		a.logger,
	)

	pool, err := worker.NewPool(a.cfg.Workers, a.cfg.QueueSize, pipeline.Handle,
		worker.WithMetrics[ingest.Message](a.metrics.Registerer(), "aqua_dispatch"),
		worker.WithErrorHandler(func(msg ingest.Message, err error) {
			if !errors.Is(err, ingest.ErrStorage) {
				a.logger.Error("ingest task failed", "topic", msg.Topic, "error", err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	// Workers must outlive ctx so that Stop can drain accepted work.
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()
	if err := pool.Start(workCtx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	a.pool = pool
	a.stopWork = stopWork
	a.logger.Info("worker pool started", "workers", a.cfg.Workers, "queue_size", a.cfg.QueueSize)

	var brokerErrCh <-chan error
	if a.cfg.EmbeddedBroker != "" {
		broker := mqttbroker.New(a.logger)
		brokerErrCh, err = broker.Start(a.cfg.EmbeddedBroker)
		if err != nil {
			_ = a.stopPool()
			return err
		}
		a.broker = broker
	}

	a.listener = listener.New(listener.Config{
		BrokerURL: a.cfg.BrokerURL(),
		ClientID:  a.cfg.ClientID,
		Topic:     a.cfg.Topic,
		KeepAlive: a.cfg.KeepAlive,
		Username:  a.cfg.Username,
		Password:  a.cfg.Password,
	}, a.pool, a.metrics, a.logger)

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	listenerErrCh := make(chan error, 1)
	go func() {
		listenerErrCh <- a.listener.Start(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return a.shutdown(httpServer)
		case err := <-listenerErrCh:
			if err != nil && ctx.Err() == nil {
				_ = a.shutdown(httpServer)
				return err
			}
		case err := <-httpErrCh:
			if err != nil {
				_ = a.shutdown(httpServer)
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = a.shutdown(httpServer)
				return err
			}
		}
	}
}

func (a *App) shutdown(httpServer *http.Server) error {
	a.listener.Stop(listenerQuiesce)

	var errs []error

	if err := a.stopPool(); err != nil {
		errs = append(errs, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	} else {
		a.logger.Info("http server stopped")
	}

	if a.broker != nil {
		if err := a.broker.Stop(); err != nil {
			errs = append(errs, err)
		} else {
			a.logger.Info("embedded mqtt broker stopped")
		}
	}

	return errors.Join(errs...)
}

// stopPool drains the pool for up to DrainTimeout. On timeout the remaining work is
// cancelled and stopPool waits for workers to exit, so none of them runs after the store
// is closed.
func (a *App) stopPool() error {
	err := a.pool.Stop(a.cfg.DrainTimeout)
	if err != nil {
		abandoned := a.pool.Stats().QueueDepth
		a.stopWork()
		a.pool.Wait()
		a.logger.Warn("worker pool did not drain in time, queued readings abandoned",
			"timeout", a.cfg.DrainTimeout, "abandoned", abandoned)
		return err
	}
	stats := a.pool.Stats()
	a.logger.Info("worker pool drained", "processed", stats.Processed, "failed", stats.Failed, "dropped", stats.Dropped)
	return nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.Handle("/metrics", a.metrics.Handler())
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if a.store == nil || a.listener == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"store unavailable"}`))
		return
	}

	if state := a.listener.State(); state != listener.StateSubscribed {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, `{"status":"broker %s"}`, state)
		return
	}

	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
