package engine

import (
	"encoding/json"
	"fmt"
	"os"

	"blockstore/layout"
)

// ImmediateCommit selects when writes are treated as stable on ack,
// spec.md §6.
type ImmediateCommit uint8

const (
	CommitNone ImmediateCommit = iota
	CommitSmall
	CommitAll
)

func (m ImmediateCommit) String() string {
	switch m {
	case CommitSmall:
		return "SMALL"
	case CommitAll:
		return "ALL"
	default:
		return "NONE"
	}
}

// Config mirrors the teacher's config.Config JSON-tagged struct shape,
// one field per spec.md §6 configuration option.
type Config struct {
	DataBlockSize     uint32 `json:"data_block_size"`
	BitmapGranularity uint32 `json:"bitmap_granularity"`
	MetaBlockSize     uint32 `json:"meta_block_size"`
	JournalBlockSize  uint32 `json:"journal_block_size"`

	ImmediateCommit ImmediateCommit `json:"immediate_commit"`

	AutosyncInterval uint32 `json:"autosync_interval_ms"`
	AutosyncWrites   uint32 `json:"autosync_writes"`

	InMemoryMeta    bool `json:"inmemory_meta"`
	InMemoryJournal bool `json:"inmemory_journal"`

	MaxWriteIODepth uint32 `json:"max_write_iodepth"`

	DataCsumType  layout.ChecksumType `json:"data_csum_type"`
	CsumBlockSize uint32              `json:"csum_block_size"`

	ThrottleSmallWrites       bool    `json:"throttle_small_writes"`
	ThrottleTargetIOPS        float64 `json:"throttle_target_iops"`
	ThrottleTargetMBs         float64 `json:"throttle_target_mbs"`
	ThrottleTargetParallelism float64 `json:"throttle_target_parallelism"`
	ThrottleThresholdUS       float64 `json:"throttle_threshold_us"`

	JournalBlocks uint64 `json:"journal_blocks"`
	DataBlocks    uint64 `json:"data_blocks"`
}

// DefaultConfig returns the spec.md §4.1 defaults, matching the way the
// teacher's main.go assembles defaultCfg before applying overrides.
func DefaultConfig() Config {
	return Config{
		DataBlockSize:             layout.DefaultDataBlockSize,
		BitmapGranularity:         layout.DefaultBitmapGranularity,
		MetaBlockSize:             layout.DefaultMetaBlockSize,
		JournalBlockSize:          layout.DefaultJournalBlockSize,
		ImmediateCommit:           CommitNone,
		AutosyncInterval:          5000,
		AutosyncWrites:            128,
		MaxWriteIODepth:           128,
		DataCsumType:              layout.ChecksumNone,
		CsumBlockSize:             layout.DefaultCsumBlockSize,
		ThrottleTargetIOPS:        100,
		ThrottleTargetMBs:         100,
		ThrottleTargetParallelism: 1,
		ThrottleThresholdUS:       50,
		JournalBlocks:             4096,
		DataBlocks:                1 << 16,
	}
}

// LoadConfig reads a JSON config file, matching the teacher's
// config.Config JSON loading (no CLI/lifecycle tooling is built here,
// SPEC_FULL.md §2.3 non-goal).
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("engine: read config %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("engine: parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) layout() (*layout.Layout, error) {
	return layout.New(c.DataBlockSize, c.BitmapGranularity, c.MetaBlockSize, c.JournalBlockSize, c.CsumBlockSize, c.DataCsumType)
}
