package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saltbo/anima/internal/store"
)

func TestLoadProjectConfigStripsJSONCComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
  // human note: we poll hourly during business hours
  "name": "widgets",
  "wakeSchedule": {"type": "interval", "intervalMinutes": 60},
  "agentTimeoutMs": 900000,
  "maxIterationsPerMilestone": 20,
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadProjectConfig(path)
	require.NoError(t, err)
	require.Equal(t, "widgets", cfg.Name)
	require.EqualValues(t, 60, cfg.WakeSchedule.IntervalMinutes)
}

func TestValidateIntervalRequiresPositiveMinutes(t *testing.T) {
	cfg := sampleConfig()
	cfg.WakeSchedule.IntervalMinutes = 0
	require.Error(t, Validate(cfg))
}

func TestValidateTimesRequiresHHMM(t *testing.T) {
	cfg := sampleConfig()
	cfg.WakeSchedule.Type = "times"
	cfg.WakeSchedule.Times = []string{"9:30"}
	require.Error(t, Validate(cfg))

	cfg.WakeSchedule.Times = []string{"09:30"}
	require.NoError(t, Validate(cfg))
}

func TestValidateManualNeedsNoExtraFields(t *testing.T) {
	cfg := sampleConfig()
	cfg.WakeSchedule.Type = "manual"
	require.NoError(t, Validate(cfg))
}

func sampleConfig() *store.ProjectConfig {
	return &store.ProjectConfig{
		Name: "widgets",
		WakeSchedule: store.WakeSchedule{
			Type:            store.WakeInterval,
			IntervalMinutes: 30,
		},
		AgentTimeoutMs:            900000,
		MaxIterationsPerMilestone: 20,
	}
}
