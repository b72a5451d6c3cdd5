package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/fieldsync/internal/httpapi"
	"github.com/agentworkforce/fieldsync/internal/livesync"
	"github.com/agentworkforce/fieldsync/internal/metrics"
	"github.com/agentworkforce/fieldsync/internal/pushconn"
	"github.com/agentworkforce/fieldsync/internal/restapi"
	"github.com/agentworkforce/fieldsync/internal/session"
	"github.com/agentworkforce/fieldsync/internal/snapshot"
)

func main() {
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := newLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("fieldsync stopped")
	}
}

func newLogger(cfg config, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.development() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(out).
			With().
			Timestamp().
			Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// printfLogger adapts a zerolog.Logger to the Printf loggers the internal
// packages take, tagging each line with its component.
type printfLogger struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func newPrintfLogger(logger zerolog.Logger, component string, level zerolog.Level) *printfLogger {
	return &printfLogger{logger: logger.With().Str("component", component).Logger(), level: level}
}

func (l *printfLogger) Printf(format string, args ...any) {
	l.logger.WithLevel(l.level).Msgf(format, args...)
}

// daemon holds what a token change needs to log in or out.
type daemon struct {
	cfg     config
	logger  zerolog.Logger
	syncer  *livesync.Syncer
	backend snapshot.Backend
	metrics *metrics.Metrics
}

func run(ctx context.Context, cfg config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	backend, err := snapshot.BuildBackendFromDSN(cfg.SnapshotDSN)
	if err != nil {
		return fmt.Errorf("failed to initialize snapshot backend: %w", err)
	}
	if backend != nil {
		defer backend.Close()
	}

	client := restapi.NewHTTPClient(cfg.BaseURL, "", &http.Client{Timeout: cfg.Timeout})
	syncer, err := livesync.NewSyncer(client, livesync.SyncerOptions{
		PushURL:     cfg.PushURL,
		SettleDelay: cfg.SettleDelay,
		PullTimeout: cfg.Timeout,
		Logger:      newPrintfLogger(logger, "sync", zerolog.InfoLevel),
		Metrics:     m,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize syncer: %w", err)
	}
	defer syncer.Close()

	if cfg.HTTPAddr != "" {
		srv := serveHTTP(cfg, reg, syncer, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	cancelChanges := syncer.Subscribe(func(c livesync.Change) {
		switch {
		case c.Error != "":
			logger.Warn().Str("error", c.Error).Msg("server reported a chat error")
		case c.Family != "":
			state, _ := syncer.ScopeState(c.Family, c.Scope)
			logger.Debug().Str("family", c.Family).Int64("scope", c.Scope).Stringer("state", state).Msg("cache changed")
		default:
			logger.Debug().Stringer("channel", c.Channel).Msg("chat channel changed")
		}
	})
	defer cancelChanges()
	cancelStatus := syncer.Connection().Subscribe(func(status pushconn.Status) {
		logger.Info().Stringer("status", status).Msg("push connection")
	})
	defer cancelStatus()

	d := &daemon{cfg: cfg, logger: logger, syncer: syncer, backend: backend, metrics: m}

	if cfg.Once {
		token := cfg.Token
		if token == "" {
			if token, err = session.ReadTokenFile(cfg.TokenFile); err != nil {
				return err
			}
		}
		if err := d.login(ctx, token); err != nil {
			return err
		}
		d.saveSnapshot(ctx)
		return nil
	}

	if cfg.TokenFile != "" {
		watcherLog := newPrintfLogger(logger, "token-watcher", zerolog.InfoLevel)
		watcher, err := session.NewWatcher(cfg.TokenFile, watcherLog, func(token string) {
			d.applyToken(ctx, token)
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch token file: %w", err)
		}
		defer watcher.Stop()
	} else {
		d.applyToken(ctx, cfg.Token)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.SnapshotInterval, cfg.SnapshotJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Err(ctx.Err()).Msg("fieldsync stopping")
			d.saveSnapshot(context.Background())
			return nil
		case <-timer.C:
			d.saveSnapshot(ctx)
			timer.Reset(jitteredIntervalWithSample(cfg.SnapshotInterval, cfg.SnapshotJitter, rng.Float64()))
		}
	}
}

// serveHTTP exposes /metrics and the inspection API on one listener.
func serveHTTP(cfg config, reg *prometheus.Registry, syncer *livesync.Syncer, logger zerolog.Logger) *http.Server {
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpHandler(cfg, reg, syncer), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Bool("admin_token", cfg.AdminToken != "").Msg("serving http")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()
	return srv
}

func httpHandler(cfg config, reg *prometheus.Registry, syncer *livesync.Syncer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/", httpapi.NewServer(syncer, httpapi.ServerConfig{
		AdminToken:     cfg.AdminToken,
		RequestTimeout: cfg.Timeout,
	}))
	return mux
}

// applyToken logs in with token, or logs out when it is empty. Failures are
// logged; the daemon keeps running until the token file changes again.
func (d *daemon) applyToken(ctx context.Context, token string) {
	if token == "" {
		d.saveSnapshot(ctx)
		d.syncer.SetSession(nil)
		d.logger.Info().Msg("logged out")
		return
	}
	if err := d.login(ctx, token); err != nil {
		d.logger.Error().Err(err).Msg("login failed")
	}
}

func (d *daemon) login(ctx context.Context, token string) error {
	sess, err := session.Parse(token)
	if err != nil {
		d.syncer.SetSession(nil)
		return err
	}
	if sess.Expired(time.Now()) {
		d.logger.Warn().Time("expires_at", sess.ExpiresAt).Msg("token is expired; the server will reject it")
	}
	if prev := d.syncer.Session(); prev != nil && prev.UserID != sess.UserID {
		d.saveSnapshot(ctx)
	}
	d.syncer.SetSession(sess)
	d.logger.Info().Int64("user_id", sess.UserID).Str("email", sess.Email).Msg("logged in")
	d.restoreSnapshot(ctx, sess.UserID)

	var errs []error
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	if err := d.syncer.Refresh(reqCtx); err != nil {
		errs = append(errs, err)
	}
	cancel()
	for _, projectID := range d.cfg.Projects {
		reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		if err := d.syncer.Watch(reqCtx, projectID); err != nil {
			errs = append(errs, fmt.Errorf("watch project %d: %w", projectID, err))
		}
		cancel()
	}
	for _, peerID := range d.cfg.Peers {
		reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		if err := d.syncer.WatchPeer(reqCtx, peerID); err != nil {
			errs = append(errs, fmt.Errorf("watch peer %d: %w", peerID, err))
		}
		cancel()
	}
	d.logger.Info().
		Int("projects", len(d.syncer.Projects())).
		Int("watched_projects", len(d.cfg.Projects)).
		Int("watched_peers", len(d.cfg.Peers)).
		Msg("initial pull completed")
	return errors.Join(errs...)
}

func (d *daemon) restoreSnapshot(ctx context.Context, userID int64) {
	if d.backend == nil {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	state, err := d.backend.Load(loadCtx, snapshotKey(userID))
	if err != nil {
		d.logger.Warn().Err(err).Msg("snapshot load failed")
		return
	}
	if state == nil {
		return
	}
	if err := d.syncer.Restore(state); err != nil {
		d.logger.Warn().Err(err).Msg("snapshot restore failed")
		return
	}
	d.logger.Info().Time("saved_at", state.SavedAt).Msg("restored cached state")
}

func (d *daemon) saveSnapshot(ctx context.Context) {
	if d.backend == nil {
		return
	}
	state := d.syncer.Snapshot()
	if state == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	err := d.backend.Save(saveCtx, snapshotKey(state.UserID), state)
	d.metrics.ObserveSnapshot(err)
	if err != nil {
		d.logger.Error().Err(err).Msg("snapshot save failed")
		return
	}
	d.logger.Debug().Int64("user_id", state.UserID).Msg("snapshot saved")
}

func snapshotKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}
