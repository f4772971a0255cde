package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAPIFromEnvDefaults(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("TRADECYCLE_STORE", "memory")
	t.Setenv("TRADECYCLE_CYCLE_EVERY", "not-a-duration")
	t.Setenv("TRADECYCLE_THETA_WINDOW", "3")

	cfg, err := LoadAPIFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.CycleEvery != 24*time.Hour {
		t.Fatalf("bad duration should fall back, got %v", cfg.CycleEvery)
	}
	if cfg.ThetaWindow != 3 || cfg.StockSigma != 0.05 || !cfg.Bootstrap {
		t.Fatalf("unexpected cfg %+v", cfg)
	}
}

func TestLoadAPIFromEnvErrors(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TRADECYCLE_STORE", "postgres")
	if _, err := LoadAPIFromEnv(); err == nil || !strings.Contains(err.Error(), "DATABASE_URL is required") {
		t.Fatalf("expected database url error, got %v", err)
	}

	t.Setenv("TRADECYCLE_STORE", "bogus")
	if _, err := LoadAPIFromEnv(); err == nil || !strings.Contains(err.Error(), "unsupported TRADECYCLE_STORE") {
		t.Fatalf("expected unsupported store error, got %v", err)
	}

	t.Setenv("TRADECYCLE_STORE", "sqlite")
	t.Setenv("TRADECYCLE_THETA_WINDOW", "0")
	if _, err := LoadAPIFromEnv(); err == nil {
		t.Fatalf("expected theta window error")
	}
}

func TestLoadCLIFromEnv(t *testing.T) {
	t.Setenv("CYCLECTL_API_BASE_URL", "http://example.test/")
	t.Setenv("CYCLECTL_USER", "12")
	cfg := LoadCLIFromEnv()
	if cfg.APIBaseURL != "http://example.test" || cfg.UserID != 12 {
		t.Fatalf("unexpected cfg %+v", cfg)
	}
}

func TestValidateWorker(t *testing.T) {
	tests := []struct {
		store   string
		wantErr bool
	}{
		{StoreMemory, true},
		{StoreSQLite, false},
		{StorePostgres, false},
	}
	for _, tc := range tests {
		err := APIConfig{Store: tc.store}.ValidateWorker()
		if (err != nil) != tc.wantErr {
			t.Fatalf("store %s: err=%v wantErr=%v", tc.store, err, tc.wantErr)
		}
	}
}
