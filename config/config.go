// Package config loads the yaml configuration of a simulated machine run.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
	"rvcore/blk"
	"rvcore/console"
	"rvcore/ring"
	"rvcore/virtio"
)

type Config struct {
	Logging Logging `yaml:"logging"`
	Machine Machine `yaml:"machine"`
	Blk     Blk     `yaml:"blk"`
	Trap    Trap    `yaml:"trap"`
	Stats   Stats   `yaml:"stats"`
}

type Logging struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	DisableTimestamp bool   `yaml:"disable_timestamp"`
	TimestampFormat  string `yaml:"timestamp_format"`
}

type Machine struct {
	RAMSize uint64 `yaml:"ram_size"`
	// Console is where UART output goes: stdout, stderr or discard.
	Console string `yaml:"console"`
}

type Blk struct {
	// Image backs the disk. Empty means an in-memory disk of Sectors.
	Image          string   `yaml:"image"`
	Sectors        uint64   `yaml:"sectors"`
	ID             string   `yaml:"id"`
	ReadOnly       bool     `yaml:"read_only"`
	QueueSize      uint16   `yaml:"queue_size"`
	QueueNumMax    uint32   `yaml:"queue_num_max"`
	Polled         bool     `yaml:"polled"`
	Async          bool     `yaml:"async"`
	Features       []string `yaml:"features"`
	RejectFeatures bool     `yaml:"reject_features"`
	MaxTransfer    uint32   `yaml:"max_transfer"`
}

type Trap struct {
	Diagnostic bool   `yaml:"diagnostic"`
	Capacity   int    `yaml:"capacity"`
	Overflow   string `yaml:"overflow"`
	// Dump prints the saved registers after a fatal trap report.
	Dump bool `yaml:"dump"`
}

type Stats struct {
	// Type is prometheus, graphite or empty for none.
	Type      string        `yaml:"type"`
	Listen    string        `yaml:"listen"`
	Path      string        `yaml:"path"`
	Namespace string        `yaml:"namespace"`
	Subsystem string        `yaml:"subsystem"`
	Interval  time.Duration `yaml:"interval"`
	Host      string        `yaml:"host"`
	Protocol  string        `yaml:"protocol"`
	Prefix    string        `yaml:"prefix"`
}

// Default is the configuration a missing key falls back to.
func Default() Config {
	return Config{
		Logging: Logging{Level: "info", Format: "text"},
		Machine: Machine{RAMSize: 16 << 20, Console: "stdout"},
		Blk: Blk{
			Sectors:     2048,
			ID:          "rvcore-disk",
			QueueSize:   8,
			QueueNumMax: 16,
			Features:    []string{"version_1", "flush", "blk_size", "ro"},
			MaxTransfer: 4096,
		},
		Trap: Trap{Capacity: 64, Overflow: "saturate"},
		Stats: Stats{
			Path:      "/metrics",
			Namespace: "rvcore",
			Subsystem: "sim",
			Interval:  10 * time.Second,
			Protocol:  "tcp",
			Prefix:    "rvcore",
		},
	}
}

// Load reads the yaml file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// LoadString parses raw yaml.
func LoadString(raw string) (*Config, error) {
	if raw == "" {
		return nil, errors.New("empty configuration")
	}
	return Parse([]byte(raw))
}

// Parse decodes b and fills every unset key from Default.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if err := mergo.Merge(&c, Default()); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Blk.QueueSize&(c.Blk.QueueSize-1) != 0 {
		return fmt.Errorf("blk.queue_size %d is not a power of two", c.Blk.QueueSize)
	}
	if c.Blk.MaxTransfer%blk.SectorSize != 0 {
		return fmt.Errorf("blk.max_transfer %d is not a multiple of %d", c.Blk.MaxTransfer, blk.SectorSize)
	}
	if _, err := c.Blk.FeatureMask(); err != nil {
		return err
	}
	if _, err := c.Trap.Policy(); err != nil {
		return fmt.Errorf("trap.overflow: %w", err)
	}
	switch c.Stats.Type {
	case "", "prometheus", "graphite":
	default:
		return fmt.Errorf("stats.type %q must be prometheus or graphite", c.Stats.Type)
	}
	return nil
}

var featureNames = map[string]uint64{
	"size_max":        blk.FeatureSizeMax,
	"seg_max":         blk.FeatureSegMax,
	"geometry":        blk.FeatureGeometry,
	"ro":              blk.FeatureRO,
	"blk_size":        blk.FeatureBlkSize,
	"flush":           blk.FeatureFlush,
	"topology":        blk.FeatureTopology,
	"config_wce":      blk.FeatureConfigWCE,
	"mq":              blk.FeatureMQ,
	"discard":         blk.FeatureDiscard,
	"write_zeroes":    blk.FeatureWriteZeroes,
	"lifetime":        blk.FeatureLifetime,
	"secure_erase":    blk.FeatureSecureErase,
	"indirect_desc":   virtio.FeatureRingIndirectDesc,
	"event_idx":       virtio.FeatureRingEventIdx,
	"version_1":       virtio.FeatureVersion1,
	"access_platform": virtio.FeatureAccessPlatform,
}

// FeatureMask turns the feature names into the bits the driver accepts.
func (b Blk) FeatureMask() (uint64, error) {
	var mask uint64
	for _, n := range b.Features {
		bit, ok := featureNames[strings.ToLower(n)]
		if !ok {
			names := make([]string, 0, len(featureNames))
			for k := range featureNames {
				names = append(names, k)
			}
			sort.Strings(names)
			return 0, fmt.Errorf("unknown blk feature %q; possible features: %s", n, strings.Join(names, ", "))
		}
		mask |= bit
	}
	return mask, nil
}

func (t Trap) Policy() (ring.Policy, error) {
	return ring.ParsePolicy(t.Overflow)
}

// ConfigureLogger applies the logging section to l.
func ConfigureLogger(l *logrus.Logger, c Logging) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	l.SetLevel(level)

	timestampFormat := c.TimestampFormat
	fullTimestamp := timestampFormat != ""
	if timestampFormat == "" {
		timestampFormat = time.RFC3339
	}

	switch strings.ToLower(c.Format) {
	case "text":
		l.Formatter = &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: c.DisableTimestamp,
		}
	case "json":
		l.Formatter = &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: c.DisableTimestamp,
		}
	case "console":
		l.Formatter = &console.Formatter{}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", c.Format, []string{"text", "json", "console"})
	}
	return nil
}
