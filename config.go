package acsvm

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds host-tunable VM parameters. Unlike the per-script
// semantics of the bytecode itself, these values govern the scheduler
// and loader and are expected to be set once at Environment
// construction.
type Config struct {
	// InstructionBudget bounds how many opcodes a single Thread.exec
	// call may execute before yielding, regardless of suspension.
	InstructionBudget int

	// TickRate is informational only — it paces the host's call to
	// Environment.Exec, conventionally 1/35s, but the core never
	// sleeps itself.
	TickRate time.Duration

	// StringGCThreshold is the number of reclaimable strings at which
	// Environment.Exec's end-of-tick bookkeeping runs a string-table
	// collection itself; 0 disables it, leaving collection to the host.
	StringGCThreshold int

	// VerboseLoad turns on per-chunk trace logging in the loader.
	VerboseLoad bool

	// EncryptionIter is the STRE/ACSe string decryption iteration
	// seed. The loader applies it to every module; there is no
	// per-module override.
	EncryptionIter int
}

// DefaultConfig returns the VM's default tuning.
func DefaultConfig() *Config {
	return &Config{
		InstructionBudget: 200000,
		TickRate:          time.Second / 35,
		StringGCThreshold: 0,
		VerboseLoad:       false,
		EncryptionIter:    4,
	}
}

// LoadConfigFile reads VM tuning from a TOML file, overlaying it onto
// DefaultConfig. A missing file is not an error — the host may simply
// not ship one.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	var onDisk struct {
		InstructionBudget int    `toml:"instruction_budget"`
		TickRateMillis    int    `toml:"tick_rate_millis"`
		StringGCThreshold int    `toml:"string_gc_threshold"`
		VerboseLoad       bool   `toml:"verbose_load"`
		EncryptionIter    int    `toml:"encryption_iter"`
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acsvm: reading config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &onDisk); err != nil {
		return nil, fmt.Errorf("acsvm: parsing config %s: %w", path, err)
	}

	if onDisk.InstructionBudget > 0 {
		cfg.InstructionBudget = onDisk.InstructionBudget
	}
	if onDisk.TickRateMillis > 0 {
		cfg.TickRate = time.Duration(onDisk.TickRateMillis) * time.Millisecond
	}
	if onDisk.StringGCThreshold > 0 {
		cfg.StringGCThreshold = onDisk.StringGCThreshold
	}
	cfg.VerboseLoad = onDisk.VerboseLoad
	if onDisk.EncryptionIter > 0 {
		cfg.EncryptionIter = onDisk.EncryptionIter
	}

	return cfg, nil
}
