package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"

	"scanbridge/go-scan-server/internal/config"
	"scanbridge/go-scan-server/internal/mqttbroker"
	"scanbridge/go-scan-server/internal/registry"
	"scanbridge/go-scan-server/internal/store"
)

// publisher delivers realtime session events to subscribers.
type publisher interface {
	Publish(topic string, payload []byte) error
}

// App wires together the scanbridge services and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *registry.Registry
	store    *store.Store
	broker   *mqttbroker.Broker
	events   publisher
	mdns     *zeroconf.Server

	sessionTTL atomic.Int64
}

// New constructs an application around the given scan registry. The caller
// owns the registry and decides when to close it.
func New(cfg config.Config, logger *slog.Logger, reg *registry.Registry) *App {
	a := &App{cfg: cfg, logger: logger, registry: reg}
	a.sessionTTL.Store(int64(cfg.SessionTTL))
	return a
}

// SessionTTL is the idle time after which a session is expired.
func (a *App) SessionTTL() time.Duration {
	return time.Duration(a.sessionTTL.Load())
}

func (a *App) setSessionTTL(ttl time.Duration) {
	a.sessionTTL.Store(int64(ttl))
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
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
	a.applyPersistedConfig(ctx)

	broker := mqttbroker.New(a.logger)
	broker.SetPublishHandler(a.handleMQTTPublish)
	if err := broker.ProtectTopics(eventTopic("+")); err != nil {
		return err
	}
	brokerErrCh, err := broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}
	a.broker = broker
	a.events = broker

	if a.cfg.MDNSEnabled {
		if tcp, ok := broker.Addr().(*net.TCPAddr); ok {
			if err := a.startMDNS(tcp.Port); err != nil {
				a.logger.Warn("mDNS advertisement failed", "error", err)
			}
		}
		defer a.stopMDNS()
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	janitorErrCh := make(chan error, 1)
	go func() {
		janitorErrCh <- a.registry.RunJanitor(janitorCtx, a.cfg.SweepInterval, a.SessionTTL, a.handleExpired)
	}()

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

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			if err := a.broker.Stop(); err != nil {
				return err
			}
			a.logger.Info("mqtt broker stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				_ = a.broker.Stop()
				return err
			}
		case err := <-janitorErrCh:
			janitorErrCh = nil
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				_ = a.broker.Stop()
				return fmt.Errorf("session janitor: %w", err)
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				_ = a.broker.Stop()
				return err
			}
		}
	}
}

// applyPersistedConfig overlays settings saved through /api/config.
func (a *App) applyPersistedConfig(ctx context.Context) {
	loadCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	persisted, err := a.store.AppConfig(loadCtx)
	if err != nil {
		a.logger.Warn("failed to load persisted config", "error", err)
		return
	}

	if raw, ok := persisted[sessionTTLKey]; ok {
		ttl, err := parseTTL(raw)
		if err != nil {
			a.logger.Warn("ignoring persisted session_ttl", "value", raw, "error", err)
			return
		}
		a.setSessionTTL(ttl)
		a.logger.Info("applied persisted session ttl", "ttl", ttl)
	}
}
