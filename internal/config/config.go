// Package config provides configuration structures and defaults for the WAL node.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultFileRollSize           = 64 * 1024 * 1024
	defaultBatchSize              = 256 * 1024
	defaultFsyncInterval          = 10 * time.Millisecond
	defaultMinEffectiveInfoRatio  = 0.1
	defaultMaxMemtableSnapshotNum = 3
	defaultSnapshotThreshold      = 32 * 1024 * 1024
	defaultReclaimInterval        = 10 * time.Second
	defaultFlushPollInterval      = time.Second
	defaultFlushPollTimeout       = 10 * time.Second
	defaultQueueCapacity          = 1024
)

// Config holds all tunable parameters for the WAL node, per spec section 6.
type Config struct {
	// FileRollSize is the size in bytes above which the buffer rolls to a new file.
	FileRollSize int64
	// BatchSize is the number of bytes the serializer accumulates before an fsync.
	BatchSize int
	// FsyncInterval bounds how long entries may sit unflushed in the buffer.
	FsyncInterval time.Duration
	// MinEffectiveInfoRatio is the reclaimer threshold (0-1), wal_min_effective_info_ratio.
	MinEffectiveInfoRatio float64
	// MaxMemtableSnapshotNum caps snapshot attempts before a memtable is forced to flush.
	MaxMemtableSnapshotNum uint32
	// SnapshotThreshold is the cost above which a memtable is flushed rather than snapshotted.
	SnapshotThreshold uint64
	// EnableMemControl is stored with the rest of the configuration; no component
	// reads it, so it does not change how memtable cost is measured.
	EnableMemControl bool
	// ReclaimInterval is how often the background reclaimer runs.
	ReclaimInterval time.Duration
	// FlushPollInterval/FlushPollTimeout bound the reclaimer's wait for a requested flush.
	FlushPollInterval time.Duration
	FlushPollTimeout  time.Duration
	// QueueCapacity bounds the buffer's producer channel; Write blocks once full.
	QueueCapacity int
}

// DefaultConfig returns a Config struct populated with default values.
func DefaultConfig() *Config {
	return &Config{
		FileRollSize:           defaultFileRollSize,
		BatchSize:              defaultBatchSize,
		FsyncInterval:          defaultFsyncInterval,
		MinEffectiveInfoRatio:  defaultMinEffectiveInfoRatio,
		MaxMemtableSnapshotNum: defaultMaxMemtableSnapshotNum,
		SnapshotThreshold:      defaultSnapshotThreshold,
		EnableMemControl:       true,
		ReclaimInterval:        defaultReclaimInterval,
		FlushPollInterval:      defaultFlushPollInterval,
		FlushPollTimeout:       defaultFlushPollTimeout,
		QueueCapacity:          defaultQueueCapacity,
	}
}

// FillDefaults sets any zero-value fields in the Config to their default values.
func (c *Config) FillDefaults() {
	def := DefaultConfig()
	if c.FileRollSize == 0 {
		c.FileRollSize = def.FileRollSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FsyncInterval == 0 {
		c.FsyncInterval = def.FsyncInterval
	}
	if c.MinEffectiveInfoRatio == 0 {
		c.MinEffectiveInfoRatio = def.MinEffectiveInfoRatio
	}
	if c.MaxMemtableSnapshotNum == 0 {
		c.MaxMemtableSnapshotNum = def.MaxMemtableSnapshotNum
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = def.SnapshotThreshold
	}
	if c.ReclaimInterval == 0 {
		c.ReclaimInterval = def.ReclaimInterval
	}
	if c.FlushPollInterval == 0 {
		c.FlushPollInterval = def.FlushPollInterval
	}
	if c.FlushPollTimeout == 0 {
		c.FlushPollTimeout = def.FlushPollTimeout
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = def.QueueCapacity
	}
}

// LoadFixture reads a YAML fixture file into a Config, filling in any field the
// fixture omits with defaults. Used by tests to keep table-driven configs out of
// Go source.
func LoadFixture(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.FillDefaults()
	return cfg, nil
}

// MarshalFixture serializes a Config to YAML, mainly for diagnostic dumps.
func MarshalFixture(c *Config) ([]byte, error) {
	return yaml.Marshal(c)
}
