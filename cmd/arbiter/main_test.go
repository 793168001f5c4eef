package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/arbiter/internal/app/arbiter"
	"github.com/coachpo/arbiter/internal/domain/strategystore"
)

func memoryConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	body := []byte(`
environment: dev
database:
  driver: memory
logging:
  level: error
breaker:
  enabled: false
retention:
  enabled: false
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func TestCheckPrintsDecision(t *testing.T) {
	cfg := memoryConfig(t)
	out, err := runCLI(t, "-config", cfg, "check", "-strategy", "long_term", "-ticker", "nvda", "-lock", "30")
	require.NoError(t, err)

	var decision arbiter.Decision
	require.NoError(t, json.Unmarshal([]byte(out), &decision))
	require.Equal(t, arbiter.OutcomeNoConflict, decision.Outcome)
	require.Equal(t, "long_term", decision.Owner)
	require.Equal(t, "NVDA", decision.Ticker)
	require.NotNil(t, decision.LockedUntil)
}

func TestStrategiesListsDefaults(t *testing.T) {
	out, err := runCLI(t, "-config", memoryConfig(t), "strategies")
	require.NoError(t, err)

	var strategies []strategystore.Strategy
	require.NoError(t, json.Unmarshal([]byte(out), &strategies))
	require.Len(t, strategies, 5)
	require.Equal(t, "emergency", strategies[0].Name)
}

func TestDeactivateReportsReleasedClaims(t *testing.T) {
	out, err := runCLI(t, "-config", memoryConfig(t), "deactivate", "-strategy", "trading")
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, false, result["active"])
	require.EqualValues(t, 0, result["released"])
}

func TestCommandFlagValidation(t *testing.T) {
	cfg := memoryConfig(t)

	_, err := runCLI(t, "-config", cfg, "check", "-strategy", "trading")
	require.ErrorContains(t, err, "-ticker flag is required")

	_, err = runCLI(t, "-config", cfg, "owners", "-type", "tertiary")
	require.Error(t, err)

	_, err = runCLI(t, "-config", cfg, "stats", "-by", "sector")
	require.Error(t, err)

	_, err = runCLI(t, "-config", cfg, "priority", "-strategy", "trading", "-value", "5000")
	require.Error(t, err)
}

func TestUnknownCommand(t *testing.T) {
	out, err := runCLI(t, "-config", memoryConfig(t), "launch")
	require.ErrorContains(t, err, `unknown command "launch"`)
	require.Contains(t, out, "usage: arbiter")

	_, err = runCLI(t)
	require.ErrorContains(t, err, "command required")
}

func TestStatsByStrategy(t *testing.T) {
	out, err := runCLI(t, "-config", memoryConfig(t), "stats", "-by", "strategy", "-window", "30m")
	require.NoError(t, err)
	require.JSONEq(t, "[]", out)
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(configPathEnv, "")
	require.Equal(t, defaultConfigPath, resolveConfigPath(""))
	require.Equal(t, "custom.yaml", resolveConfigPath(" custom.yaml "))

	t.Setenv(configPathEnv, "/etc/arbiter/app.yaml")
	require.Equal(t, "/etc/arbiter/app.yaml", resolveConfigPath(""))
}
