// Package config provides configuration handling for the transport engine and
// the simulator that drives it.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Congestion control algorithms.
const (
	NewReno = "newreno"
	LIA     = "lia"
	OLIA    = "olia"
)

// Multipath schedulers.
const (
	LowestRTT  = "lowest-rtt"
	RoundRobin = "round-robin"
)

// Config represents the complete engine configuration.
type Config struct {
	// MSS is the maximum segment size (payload plus options) advertised and
	// used when the peer advertises nothing.
	MSS int `json:"mss" yaml:"mss"`

	// RcvBuffer is the receive buffer size in bytes. The initial advertised
	// window is derived from it.
	RcvBuffer int `json:"rcvBuffer" yaml:"rcvBuffer"`

	// SndBuffer is the maximum number of unacknowledged bytes an application
	// may queue before Send reports backpressure.
	SndBuffer int `json:"sndBuffer" yaml:"sndBuffer"`

	SACK          bool `json:"sack" yaml:"sack"`
	Timestamps    bool `json:"timestamps" yaml:"timestamps"`
	WindowScaling bool `json:"windowScaling" yaml:"windowScaling"`
	Nagle         bool `json:"nagle" yaml:"nagle"`
	DelayedAck    bool `json:"delayedAck" yaml:"delayedAck"`

	// CongestionControl is one of newreno, lia or olia. The multipath variants
	// fall back to newreno on connections that are not part of a flow.
	CongestionControl string `json:"congestionControl" yaml:"congestionControl"`

	Multipath MultipathConfig `json:"multipath" yaml:"multipath"`
	Timers    TimerConfig     `json:"timers" yaml:"timers"`
	Ports     PortRange       `json:"ports" yaml:"ports"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// MultipathConfig contains the multipath extension settings.
type MultipathConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Scheduler is one of lowest-rtt or round-robin.
	Scheduler string `json:"scheduler" yaml:"scheduler"`

	OpportunisticRetransmission bool `json:"opportunisticRetransmission" yaml:"opportunisticRetransmission"`
	Penalization                bool `json:"penalization" yaml:"penalization"`
}

// TimerConfig contains protocol timer values.
type TimerConfig struct {
	InitialRTO     time.Duration `json:"initialRTO" yaml:"initialRTO"`
	MinRTO         time.Duration `json:"minRTO" yaml:"minRTO"`
	MaxRTO         time.Duration `json:"maxRTO" yaml:"maxRTO"`
	MaxRexmitCount int           `json:"maxRexmitCount" yaml:"maxRexmitCount"`
	ConnEstab      time.Duration `json:"connEstab" yaml:"connEstab"`
	SynRexmit      time.Duration `json:"synRexmit" yaml:"synRexmit"`
	MSL            time.Duration `json:"msl" yaml:"msl"`
	FinWait2       time.Duration `json:"finWait2" yaml:"finWait2"`
	DelayedAck     time.Duration `json:"delayedAck" yaml:"delayedAck"`
	Persist        time.Duration `json:"persist" yaml:"persist"`
}

// PortRange is the ephemeral port range used for active opens.
type PortRange struct {
	First uint16 `json:"first" yaml:"first"`
	Last  uint16 `json:"last" yaml:"last"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// File is the log file path. Logs go to stderr/stdout when empty.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MSS:               536,
		RcvBuffer:         65535,
		SndBuffer:         1 << 20,
		SACK:              true,
		Timestamps:        true,
		WindowScaling:     false,
		Nagle:             false,
		DelayedAck:        false,
		CongestionControl: NewReno,
		Multipath: MultipathConfig{
			Enabled:                     true,
			Scheduler:                   LowestRTT,
			OpportunisticRetransmission: true,
			Penalization:                true,
		},
		Timers: TimerConfig{
			InitialRTO:     3 * time.Second,
			MinRTO:         time.Second,
			MaxRTO:         240 * time.Second,
			MaxRexmitCount: 12,
			ConnEstab:      75 * time.Second,
			SynRexmit:      3 * time.Second,
			MSL:            120 * time.Second,
			FinWait2:       600 * time.Second,
			DelayedAck:     200 * time.Millisecond,
			Persist:        5 * time.Second,
		},
		Ports: PortRange{
			First: 1025,
			Last:  65535,
		},
		Logging: LoggingConfig{
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file on top of whatever config
// already holds.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(path, data, config)
}

// Parse decodes data according to the extension of name.
func Parse(name string, data []byte, config *Config) error {
	switch {
	case strings.HasSuffix(name, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(name, ".yaml"), strings.HasSuffix(name, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", name)
	}
	return nil
}

// LoadFromEnv loads configuration overrides from MPTCP_* environment
// variables. Unparseable values are ignored.
func LoadFromEnv(config *Config) {
	envInt("MPTCP_MSS", &config.MSS)
	envInt("MPTCP_RCV_BUFFER", &config.RcvBuffer)
	envInt("MPTCP_SND_BUFFER", &config.SndBuffer)
	envBool("MPTCP_SACK", &config.SACK)
	envBool("MPTCP_TIMESTAMPS", &config.Timestamps)
	envBool("MPTCP_WINDOW_SCALING", &config.WindowScaling)
	envBool("MPTCP_NAGLE", &config.Nagle)
	envBool("MPTCP_DELAYED_ACK", &config.DelayedAck)
	if val := os.Getenv("MPTCP_CONGESTION_CONTROL"); val != "" {
		config.CongestionControl = val
	}

	envBool("MPTCP_MULTIPATH", &config.Multipath.Enabled)
	if val := os.Getenv("MPTCP_SCHEDULER"); val != "" {
		config.Multipath.Scheduler = val
	}
	envBool("MPTCP_OPPORTUNISTIC_RETRANSMISSION", &config.Multipath.OpportunisticRetransmission)
	envBool("MPTCP_PENALIZATION", &config.Multipath.Penalization)

	envDuration("MPTCP_INITIAL_RTO", &config.Timers.InitialRTO)
	envDuration("MPTCP_MIN_RTO", &config.Timers.MinRTO)
	envDuration("MPTCP_MAX_RTO", &config.Timers.MaxRTO)
	envInt("MPTCP_MAX_REXMIT_COUNT", &config.Timers.MaxRexmitCount)

	if val := os.Getenv("MPTCP_LOG_FILE"); val != "" {
		config.Logging.File = val
	}
	envInt("MPTCP_LOG_MAX_SIZE", &config.Logging.MaxSize)
	envInt("MPTCP_LOG_MAX_BACKUPS", &config.Logging.MaxBackups)
	envInt("MPTCP_LOG_MAX_AGE", &config.Logging.MaxAge)
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// 20 bytes of header plus 40 bytes of options must leave room for payload
	if c.MSS < 64 || c.MSS > 65535 {
		return fmt.Errorf("invalid MSS: %d", c.MSS)
	}
	if c.RcvBuffer < c.MSS {
		return fmt.Errorf("receive buffer %d smaller than MSS %d", c.RcvBuffer, c.MSS)
	}
	if !c.WindowScaling && c.RcvBuffer > 65535 {
		return fmt.Errorf("receive buffer %d needs window scaling", c.RcvBuffer)
	}
	if c.RcvBuffer > 65535<<14 {
		return fmt.Errorf("receive buffer %d exceeds the maximum scaled window", c.RcvBuffer)
	}
	if c.SndBuffer <= 0 {
		return fmt.Errorf("invalid send buffer: %d", c.SndBuffer)
	}
	switch c.CongestionControl {
	case NewReno, LIA, OLIA:
	default:
		return fmt.Errorf("invalid congestion control: %s", c.CongestionControl)
	}
	switch c.Multipath.Scheduler {
	case LowestRTT, RoundRobin:
	default:
		return fmt.Errorf("invalid multipath scheduler: %s", c.Multipath.Scheduler)
	}

	t := c.Timers
	if t.MinRTO <= 0 || t.MaxRTO < t.MinRTO {
		return fmt.Errorf("invalid RTO bounds: min %v max %v", t.MinRTO, t.MaxRTO)
	}
	if t.InitialRTO < t.MinRTO || t.InitialRTO > t.MaxRTO {
		return fmt.Errorf("initial RTO %v outside [%v, %v]", t.InitialRTO, t.MinRTO, t.MaxRTO)
	}
	if t.MaxRexmitCount <= 0 {
		return fmt.Errorf("invalid max retransmission count: %d", t.MaxRexmitCount)
	}
	for name, d := range map[string]time.Duration{
		"connEstab":  t.ConnEstab,
		"synRexmit":  t.SynRexmit,
		"msl":        t.MSL,
		"finWait2":   t.FinWait2,
		"delayedAck": t.DelayedAck,
		"persist":    t.Persist,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s timer: %v", name, d)
		}
	}

	if c.Ports.First == 0 || c.Ports.Last < c.Ports.First {
		return fmt.Errorf("invalid port range: %d-%d", c.Ports.First, c.Ports.Last)
	}
	return nil
}
