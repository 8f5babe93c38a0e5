package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixer-backend/config"
	"mixer-backend/utils/unittest"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 2, cfg.MinParticipants)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 2*time.Hour, cfg.CeremonyValidity)
	assert.True(t, cfg.DevnetEnabled)
	assert.Equal(t, uint64(11_000_000), cfg.ProtocolParameters().RequiredBalance())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("MIXER_MIN_PARTICIPANTS", "5")
	t.Setenv("MIXER_SWEEP_INTERVAL", "90s")
	t.Setenv("MIXER_DEVNET_ENABLED", "false")

	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MinParticipants)
	assert.Equal(t, 90*time.Second, cfg.SweepInterval)
	assert.False(t, cfg.DevnetEnabled)
}

func TestFlagsAndFile(t *testing.T) {
	unittest.RunWithTempDir(t, func(dir string) {
		file := filepath.Join(dir, "mixer.yaml")
		require.NoError(t, os.WriteFile(file, []byte("operator_fee: 2000000\nport: 9000\n"), 0o600))

		v := config.New()
		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		require.NoError(t, config.BindFlags(v, flags))
		require.NoError(t, flags.Parse([]string{"--port", "9100", "--data-dir", dir}))

		cfg, err := config.Load(v, file)
		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Port)
		assert.Equal(t, uint64(2_000_000), cfg.OperatorFee)
		assert.Equal(t, filepath.Join(dir, "store"), cfg.StoreDir())
	})
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		cfg, err := config.Load(config.New(), "")
		require.NoError(t, err)
		return cfg
	}

	cases := map[string]func(*config.Config){
		"port":             func(c *config.Config) { c.Port = 0 },
		"data dir":         func(c *config.Config) { c.DataDir = "" },
		"log level":        func(c *config.Config) { c.LogLevel = "loud" },
		"log format":       func(c *config.Config) { c.LogFormat = "xml" },
		"min participants": func(c *config.Config) { c.MinParticipants = 0 },
		"uniform output":   func(c *config.Config) { c.UniformOutputValue = 0 },
		"sweep interval":   func(c *config.Config) { c.SweepInterval = 0 },
		"snapshot keep":    func(c *config.Config) { c.SnapshotKeep = 0 },
		"admin credential": func(c *config.Config) { c.AdminCredential = "abc" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoggerHonoursLevel(t *testing.T) {
	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)
	cfg.LogLevel = "warn"

	var buf bytes.Buffer
	log := cfg.Logger(&buf)
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
