package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LeventeLantos/httprouter/internal/gateway"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Dispatch  DispatchConfig
	Router    gateway.Config
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

// RedisConfig is optional. Without it leases fall back to Postgres advisory
// locks and mass text events are not published.
type RedisConfig struct {
	Enabled       bool
	Address       string
	Password      string
	DB            int
	EventsChannel string
}

type SchedulerConfig struct {
	Interval time.Duration
}

type DispatchConfig struct {
	ChunkSize    int
	SweepLimit   int
	StaleQueued  time.Duration
	MessageLease time.Duration
	SweepLease   time.Duration
}

// RouterFile is the optional YAML gateway file named by ROUTER_CONFIG_FILE.
//
//	router_url:
//	  default: http://kannel:13013/cgi-bin/sendsms?to=%(recipient)s&text=%(text)s
//	  yo: https://yo.example/send?dest=%(recipient)s&msg=%(text)s
//	bulk_router_url:
//	  yo: https://yo.example/bulk?dest=%(recipient)s&msg=%(text)s
//	method: POST
type RouterFile struct {
	RouterURL     gateway.Templates `yaml:"router_url"`
	BulkRouterURL map[string]string `yaml:"bulk_router_url"`
	Method        string            `yaml:"method"`
}

func LoadAll() (*Config, error) {
	var errs []error

	pgURL, err := requireEnv("POSTGRES_URL")
	errs = appendErr(errs, err)

	interval, err := getEnvSeconds("SCHED_INTERVAL_SECONDS", 60)
	errs = appendErr(errs, err)

	dispatch, dErrs := loadDispatchConfig()
	errs = append(errs, dErrs...)

	router, err := loadRouterConfig()
	errs = appendErr(errs, err)

	redis, err := loadRedisConfig()
	errs = appendErr(errs, err)

	if err := joinErrors(errs); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: pgURL,
		},
		Scheduler: SchedulerConfig{
			Interval: interval,
		},
		Dispatch: dispatch,
		Router:   router,
		Redis:    redis,
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDispatchConfig() (DispatchConfig, []error) {
	var errs []error

	chunk, err := getEnvInt("CHUNK_SIZE", 400)
	errs = appendErr(errs, err)
	limit, err := getEnvInt("SWEEP_LIMIT", 100)
	errs = appendErr(errs, err)
	stale, err := getEnvSeconds("STALE_QUEUED_SECONDS", 120)
	errs = appendErr(errs, err)
	msgLease, err := getEnvSeconds("MESSAGE_LOCK_SECONDS", 60)
	errs = appendErr(errs, err)
	sweepLease, err := getEnvSeconds("SWEEP_LOCK_SECONDS", 300)
	errs = appendErr(errs, err)

	return DispatchConfig{
		ChunkSize:    chunk,
		SweepLimit:   limit,
		StaleQueued:  stale,
		MessageLease: msgLease,
		SweepLease:   sweepLease,
	}, errs
}

// loadRouterConfig reads the optional YAML file, then lets ROUTER_URL and
// ROUTER_HTTP_METHOD override it.
func loadRouterConfig() (gateway.Config, error) {
	var rf RouterFile
	if path := os.Getenv("ROUTER_CONFIG_FILE"); path != "" {
		f, err := LoadRouterFile(path)
		if err != nil {
			return gateway.Config{}, err
		}
		rf = f
	}

	if v := os.Getenv("ROUTER_URL"); v != "" {
		rf.RouterURL = gateway.SingleTemplate(v)
	}
	if rf.RouterURL.IsZero() {
		return gateway.Config{}, errors.New("missing required env var: ROUTER_URL (or router_url in ROUTER_CONFIG_FILE)")
	}

	method := strings.ToUpper(getEnv("ROUTER_HTTP_METHOD", rf.Method))
	if method == "" {
		method = http.MethodGet
	}

	timeout, err := getEnvSeconds("ROUTER_TIMEOUT_SECONDS", int(gateway.DefaultTimeout/time.Second))
	if err != nil {
		return gateway.Config{}, err
	}

	return gateway.Config{
		Templates:     rf.RouterURL,
		BulkTemplates: rf.BulkRouterURL,
		Method:        method,
		Timeout:       timeout,
	}, nil
}

func LoadRouterFile(path string) (RouterFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RouterFile{}, fmt.Errorf("read ROUTER_CONFIG_FILE: %w", err)
	}
	var rf RouterFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return RouterFile{}, fmt.Errorf("parse ROUTER_CONFIG_FILE %s: %w", path, err)
	}
	return rf, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Enabled:       true,
		Address:       addr,
		Password:      os.Getenv("REDIS_PASSWORD"),
		DB:            db,
		EventsChannel: getEnv("EVENTS_CHANNEL", "httprouter:mass_text_sent"),
	}, nil
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Dispatch.ChunkSize <= 0 {
		errs = append(errs, errors.New("CHUNK_SIZE must be > 0"))
	}
	if cfg.Dispatch.SweepLimit <= 0 {
		errs = append(errs, errors.New("SWEEP_LIMIT must be > 0"))
	}
	if cfg.Dispatch.StaleQueued < 0 {
		errs = append(errs, errors.New("STALE_QUEUED_SECONDS must be >= 0"))
	}
	if cfg.Dispatch.MessageLease <= 0 {
		errs = append(errs, errors.New("MESSAGE_LOCK_SECONDS must be > 0"))
	}
	if cfg.Dispatch.SweepLease <= 0 {
		errs = append(errs, errors.New("SWEEP_LOCK_SECONDS must be > 0"))
	}
	if cfg.Router.Timeout <= 0 {
		errs = append(errs, errors.New("ROUTER_TIMEOUT_SECONDS must be > 0"))
	}
	if m := cfg.Router.Method; m != http.MethodGet && m != http.MethodPost {
		errs = append(errs, fmt.Errorf("ROUTER_HTTP_METHOD must be GET or POST, got %q", m))
	}
	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvSeconds(key string, def int) (time.Duration, error) {
	n, err := getEnvInt(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
