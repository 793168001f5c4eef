package persistence

import (
	"testing"
	"time"

	"github.com/coachpo/arbiter/internal/infra/config"
)

func TestNilStore(t *testing.T) {
	var s *Store
	if s.Pool() != nil {
		t.Fatal("expected nil pool")
	}
	s.Close()
	NewStore(nil).Close()
}

func TestPoolConfigAppliesLimits(t *testing.T) {
	cfg := config.DatabaseConfig{
		DSN:               "postgresql://user:pw@localhost:5432/arbiter",
		MaxConns:          9,
		MinConns:          2,
		MaxConnLifetime:   time.Minute,
		MaxConnIdleTime:   30 * time.Second,
		HealthCheckPeriod: 10 * time.Second,
	}
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		t.Fatalf("PoolConfig: %v", err)
	}
	if poolCfg.MaxConns != 9 || poolCfg.MinConns != 2 {
		t.Fatalf("unexpected conns: max=%d min=%d", poolCfg.MaxConns, poolCfg.MinConns)
	}
	if poolCfg.MaxConnLifetime != time.Minute || poolCfg.HealthCheckPeriod != 10*time.Second {
		t.Fatalf("unexpected durations: %+v", poolCfg)
	}
}

func TestPoolConfigRejectsBadDSN(t *testing.T) {
	if _, err := PoolConfig(config.DatabaseConfig{DSN: "postgres://%zz"}); err == nil {
		t.Fatal("expected dsn parse error")
	}
}
