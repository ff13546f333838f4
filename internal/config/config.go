// Package config holds the daemon's startup configuration: where to read
// and write, which devices to watch for, and the timing constants spec §3
// calls out. It follows the teacher's pkg/config layout (a yaml-tagged
// struct plus a NewLogger method), generalized from a single OutputFormat
// flag to the full set of knobs this daemon needs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the daemon's full set of startup knobs. Every field except
// TargetNames has a `default` tag, and Default seeds TargetNames, so
// Default() is already a usable configuration (spec §3's constants become
// these defaults).
type Config struct {
	// LogPath is where the Logger (spec §4.G) writes the sample stream.
	LogPath string `yaml:"log_path" default:"/tmp/thermal.dat"`

	// AdapterPath is the bus object path of the Bluetooth adapter whose
	// RemoveDevice method Teardown calls (spec §4.D step 6).
	AdapterPath string `yaml:"adapter_path" default:"/org/bluez/hci0"`

	// TargetNames is the set of BLE "Name" property values the
	// Coordinator treats as a thermometer worth supervising (spec §3).
	TargetNames []string `yaml:"target_names"`

	// WatchPeriod is the reconciliation sweep interval (spec §3 WATCHTIME).
	WatchPeriod time.Duration `yaml:"watch_period" default:"45s"`

	// StallTimeout is how long the Logger waits with nothing stamped
	// before forcing a re-read (spec §9, resolved to 120s).
	StallTimeout time.Duration `yaml:"stall_timeout" default:"120s"`

	// InitialBackoff and MaxBackoff bound the Device Supervisor's retry
	// schedule (spec §3).
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"2s"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"16s"`

	// LogLevel is parsed with logrus.ParseLevel in NewLogger.
	LogLevel string `yaml:"log_level" default:"info"`
}

// defaultTargetNames mirrors spec §3's target device name set; it can't
// carry a struct tag default since it's a slice, so Load seeds it
// explicitly when the loaded document doesn't set one.
var defaultTargetNames = []string{"IDT-34c-B", "INKBIRD"}

// Default returns a Config with every field set to its documented default,
// equivalent to loading an empty document.
func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	if len(c.TargetNames) == 0 {
		c.TargetNames = append([]string(nil), defaultTargetNames...)
	}
	return c
}

// Load reads a YAML document from path, filling in any field the document
// doesn't set with its default. A missing file is not an error: Load
// returns Default() unchanged, the way a daemon with no config file
// installed yet should still start with sane behavior.
func Load(path string) (*Config, error) {
	c := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Unmarshal onto the already-defaulted struct so omitted keys keep
	// their default rather than being zeroed.
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(c.TargetNames) == 0 {
		c.TargetNames = append([]string(nil), defaultTargetNames...)
	}
	return c, nil
}

// TargetNameSet returns TargetNames as a lookup set, the shape
// model.TargetNames and the Coordinator expect.
func (c *Config) TargetNameSet() map[string]bool {
	set := make(map[string]bool, len(c.TargetNames))
	for _, name := range c.TargetNames {
		set[name] = true
	}
	return set
}

// NewLogger builds a logrus.Logger configured the way the teacher's
// pkg/config.NewLogger does: text formatter, RFC3339 timestamps, level
// from config.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
