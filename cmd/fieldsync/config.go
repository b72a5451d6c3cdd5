package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/fieldsync/internal/reconcile"
)

type config struct {
	BaseURL          string
	PushURL          string
	Token            string
	TokenFile        string
	Projects         []int64
	Peers            []int64
	SettleDelay      time.Duration
	SnapshotDSN      string
	SnapshotInterval time.Duration
	SnapshotJitter   float64
	Timeout          time.Duration
	HTTPAddr         string
	AdminToken       string
	Env              string
	LogLevel         string
	Once             bool
}

func (c config) development() bool {
	return c.Env == "development" || c.Env == "dev"
}

func loadConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("fieldsync", flag.ContinueOnError)
	var cfg config
	var projects, peers string
	fs.StringVar(&cfg.BaseURL, "base-url", envOrDefault("FIELDSYNC_BASE_URL", "http://127.0.0.1:880"), "project service base URL")
	fs.StringVar(&cfg.PushURL, "push-url", strings.TrimSpace(os.Getenv("FIELDSYNC_PUSH_URL")), "push channel URL (derived from base URL when empty)")
	fs.StringVar(&cfg.Token, "token", strings.TrimSpace(os.Getenv("FIELDSYNC_TOKEN")), "bearer token")
	fs.StringVar(&cfg.TokenFile, "token-file", strings.TrimSpace(os.Getenv("FIELDSYNC_TOKEN_FILE")), "file holding the bearer token; watched for login and logout")
	fs.StringVar(&projects, "projects", strings.TrimSpace(os.Getenv("FIELDSYNC_PROJECTS")), "comma separated project ids to watch")
	fs.StringVar(&peers, "peers", strings.TrimSpace(os.Getenv("FIELDSYNC_PEERS")), "comma separated user ids to open direct conversations with")
	fs.DurationVar(&cfg.SettleDelay, "settle-delay", durationEnv("FIELDSYNC_SETTLE_DELAY", reconcile.DefaultSettleDelay), "delay between an invalidation and its pull")
	fs.StringVar(&cfg.SnapshotDSN, "snapshot-dsn", strings.TrimSpace(os.Getenv("FIELDSYNC_SNAPSHOT_DSN")), "snapshot backend DSN (file://, memory://, postgres://)")
	fs.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", durationEnv("FIELDSYNC_SNAPSHOT_INTERVAL", 30*time.Second), "snapshot interval")
	fs.Float64Var(&cfg.SnapshotJitter, "snapshot-jitter", floatEnv("FIELDSYNC_SNAPSHOT_JITTER", 0.2), "snapshot interval jitter ratio (0.0-1.0)")
	fs.DurationVar(&cfg.Timeout, "timeout", durationEnv("FIELDSYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", envOrDefault("FIELDSYNC_HTTP_ADDR", strings.TrimSpace(os.Getenv("FIELDSYNC_METRICS_ADDR"))), "address to serve /metrics and the inspection API on")
	fs.StringVar(&cfg.AdminToken, "admin-token", strings.TrimSpace(os.Getenv("FIELDSYNC_ADMIN_TOKEN")), "bearer token required by the inspection API")
	fs.StringVar(&cfg.Env, "env", envOrDefault("FIELDSYNC_ENV", "production"), "environment name; development enables console logging")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("FIELDSYNC_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Once, "once", false, "pull once, save a snapshot and exit")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(cfg.Token) == "" && strings.TrimSpace(cfg.TokenFile) == "" {
		return config{}, fmt.Errorf("token is required (--token, --token-file, FIELDSYNC_TOKEN or FIELDSYNC_TOKEN_FILE)")
	}
	var err error
	if cfg.Projects, err = parseIDList(projects); err != nil {
		return config{}, fmt.Errorf("invalid projects: %w", err)
	}
	if cfg.Peers, err = parseIDList(peers); err != nil {
		return config{}, fmt.Errorf("invalid peers: %w", err)
	}
	if cfg.PushURL == "" {
		if cfg.PushURL, err = pushURLFromBase(cfg.BaseURL); err != nil {
			return config{}, err
		}
	}
	if cfg.SnapshotDSN == "" {
		if cfg.SnapshotDSN, err = snapshotProfileDSN(); err != nil {
			return config{}, err
		}
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = reconcile.DefaultSettleDelay
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.SnapshotJitter = clampJitterRatio(cfg.SnapshotJitter)
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	return cfg, nil
}

// pushURLFromBase maps http(s)://host/prefix to ws(s)://host/prefix/ws.
func pushURLFromBase(baseURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http", "":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base url scheme: %s", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("base url has no host: %q", baseURL)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	parsed.RawQuery = ""
	return parsed.String(), nil
}

// snapshotProfileDSN resolves FIELDSYNC_SNAPSHOT_PROFILE when no explicit DSN
// is configured. An empty profile disables snapshots.
func snapshotProfileDSN() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("FIELDSYNC_SNAPSHOT_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("FIELDSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".fieldsync"
	}
	switch profile {
	case "", "none", "off":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable", "local":
		return "file://" + filepath.Join(dataDir, "snapshot.json"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("FIELDSYNC_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("FIELDSYNC_POSTGRES_DSN is required when FIELDSYNC_SNAPSHOT_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported FIELDSYNC_SNAPSHOT_PROFILE: %s", profile)
	}
}

func parseIDList(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%q is not a positive id", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
