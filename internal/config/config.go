package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

type APIConfig struct {
	Addr        string
	Store       string
	DatabaseURL string
	SQLitePath  string
	WorldFile   string
	StockSigma  float64
	ThetaWindow int
	// CycleEvery drives the worker; zero disables automatic advancing.
	CycleEvery    time.Duration
	WorkerRunOnce bool
	Bootstrap     bool
}

type CLIConfig struct {
	APIBaseURL string
	UserID     int64
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("TRADECYCLE_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:          addr,
		Store:         strings.ToLower(envDefault("TRADECYCLE_STORE", StorePostgres)),
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:    envDefault("TRADECYCLE_SQLITE_PATH", "tmp/tradecycle.sqlite"),
		WorldFile:     envDefault("TRADECYCLE_WORLD_FILE", "configs/world.yaml"),
		StockSigma:    envFloatDefault("TRADECYCLE_STOCK_SIGMA", 0.05),
		ThetaWindow:   envIntDefault("TRADECYCLE_THETA_WINDOW", 1),
		CycleEvery:    envDurationDefault("TRADECYCLE_CYCLE_EVERY", 24*time.Hour),
		WorkerRunOnce: envBoolDefault("TRADECYCLE_WORKER_RUN_ONCE", false),
		Bootstrap:     envBoolDefault("TRADECYCLE_BOOTSTRAP", true),
	}
	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required for TRADECYCLE_STORE=postgres")
		}
	case StoreSQLite, StoreMemory:
	default:
		return cfg, fmt.Errorf("unsupported TRADECYCLE_STORE %q", cfg.Store)
	}
	if cfg.StockSigma < 0 {
		return cfg, fmt.Errorf("TRADECYCLE_STOCK_SIGMA must be >= 0")
	}
	if cfg.ThetaWindow < 1 {
		return cfg, fmt.Errorf("TRADECYCLE_THETA_WINDOW must be >= 1")
	}
	return cfg, nil
}

// ValidateWorker rejects stores the worker cannot share with the API
// process.
func (c APIConfig) ValidateWorker() error {
	if c.Store == StoreMemory {
		return fmt.Errorf("TRADECYCLE_STORE=memory is private to one process; the worker needs postgres or sqlite")
	}
	return nil
}

func LoadCLIFromEnv() CLIConfig {
	user, err := strconv.ParseInt(envDefault("CYCLECTL_USER", "1"), 10, 64)
	if err != nil {
		user = 1
	}
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("CYCLECTL_API_BASE_URL", "http://localhost:8080"), "/"),
		UserID:     user,
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
