package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mss: 1460
congestionControl: olia
multipath:
  enabled: true
  scheduler: round-robin
timers:
  minRTO: 200ms
  initialRTO: 1s
`), 0644))

	cfg := DefaultConfig()
	require.NoError(t, LoadFromFile(path, cfg))
	assert.Equal(t, 1460, cfg.MSS)
	assert.Equal(t, OLIA, cfg.CongestionControl)
	assert.Equal(t, RoundRobin, cfg.Multipath.Scheduler)
	assert.Equal(t, 200*time.Millisecond, cfg.Timers.MinRTO)
	assert.Equal(t, time.Second, cfg.Timers.InitialRTO)
	// untouched keys keep their defaults
	assert.Equal(t, 240*time.Second, cfg.Timers.MaxRTO)
	assert.True(t, cfg.SACK)
	assert.NoError(t, cfg.Validate())

	assert.Error(t, LoadFromFile(filepath.Join(dir, "missing.yaml"), cfg))
	assert.Error(t, Parse("engine.toml", nil, cfg))
}

func TestParseJSON(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Parse("x.json", []byte(`{"mss": 1000, "sack": false}`), cfg))
	assert.Equal(t, 1000, cfg.MSS)
	assert.False(t, cfg.SACK)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MPTCP_MSS", "1200")
	t.Setenv("MPTCP_SACK", "false")
	t.Setenv("MPTCP_CONGESTION_CONTROL", "lia")
	t.Setenv("MPTCP_MIN_RTO", "300ms")
	t.Setenv("MPTCP_RCV_BUFFER", "not a number")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	assert.Equal(t, 1200, cfg.MSS)
	assert.False(t, cfg.SACK)
	assert.Equal(t, LIA, cfg.CongestionControl)
	assert.Equal(t, 300*time.Millisecond, cfg.Timers.MinRTO)
	assert.Equal(t, 65535, cfg.RcvBuffer)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"tiny mss":         func(c *Config) { c.MSS = 10 },
		"unscaled window":  func(c *Config) { c.RcvBuffer = 1 << 20 },
		"unknown cc":       func(c *Config) { c.CongestionControl = "cubic" },
		"unknown sched":    func(c *Config) { c.Multipath.Scheduler = "random" },
		"rto bounds":       func(c *Config) { c.Timers.MaxRTO = time.Millisecond },
		"no rexmit":        func(c *Config) { c.Timers.MaxRexmitCount = 0 },
		"zero msl":         func(c *Config) { c.Timers.MSL = 0 },
		"port range":       func(c *Config) { c.Ports.First, c.Ports.Last = 2000, 1000 },
		"empty snd buffer": func(c *Config) { c.SndBuffer = 0 },
	} {
		cfg := DefaultConfig()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}

	cfg := DefaultConfig()
	cfg.WindowScaling = true
	cfg.RcvBuffer = 1 << 20
	assert.NoError(t, cfg.Validate())
}

func TestApplyLogging(t *testing.T) {
	cfg := DefaultConfig()
	closer, err := cfg.ApplyLogging()
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
}
