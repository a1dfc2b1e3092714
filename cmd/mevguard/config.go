package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"github.com/eth2030/mevguard/api"
	"github.com/eth2030/mevguard/mevdetect"
	"github.com/eth2030/mevguard/protection"
	"github.com/eth2030/mevguard/txpool/batchpool"
	"github.com/eth2030/mevguard/txpool/commitreveal"
)

// payloadKeyEnv names the environment variable carrying the hex payload key.
// The key is never read from the config file.
const payloadKeyEnv = "MEVGUARD_PAYLOAD_KEY"

var ErrConfigFileNotFound = errors.New("config file not found")

// Duration is a time.Duration that reads and writes as "1m30s" in YAML.
type Duration time.Duration

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

// fileConfig mirrors the YAML config file. Fields absent from the file keep
// the defaults they were initialised with.
type fileConfig struct {
	DataDir           string   `yaml:"data_dir"`
	LogLevel          string   `yaml:"log_level"`
	LogFormat         string   `yaml:"log_format"`
	SchedulerInterval Duration `yaml:"scheduler_interval"`
	CleanupInterval   Duration `yaml:"cleanup_interval"`
	CleanupMaxAge     Duration `yaml:"cleanup_max_age"`

	API        apiSection        `yaml:"api"`
	Protection protectionSection `yaml:"protection"`
}

type apiSection struct {
	Addr               string   `yaml:"addr"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	MaxBodySizeBytes   int64    `yaml:"max_body_size_bytes"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout"`
	TrustedProxies     []string `yaml:"trusted_proxies,omitempty"`
}

type protectionSection struct {
	Level                 string              `yaml:"level"`
	EnableAttackDetection bool                `yaml:"enable_attack_detection"`
	AutoProtectThreshold  string              `yaml:"auto_protect_threshold"`
	SlippageProtectionBps uint64              `yaml:"slippage_protection_bps"`
	CommitReveal          commitRevealSection `yaml:"commit_reveal"`
	Mempool               mempoolSection      `yaml:"mempool"`
	Detection             detectionSection    `yaml:"detection"`
}

type commitRevealSection struct {
	CommitPhaseDuration Duration `yaml:"commit_phase_duration"`
	RevealPhaseDuration Duration `yaml:"reveal_phase_duration"`
	MaxCommitsPerUser   int      `yaml:"max_commits_per_user"`
	CommitExpiry        Duration `yaml:"commit_expiry"`
	RevealBlockWindow   uint64   `yaml:"reveal_block_window"`
	NoRevealPenaltyBps  uint64   `yaml:"no_reveal_penalty_bps"`
}

type mempoolSection struct {
	MaxTransactions   int      `yaml:"max_transactions"`
	TransactionExpiry Duration `yaml:"transaction_expiry"`
	BatchSize         int      `yaml:"batch_size"`
	BatchInterval     Duration `yaml:"batch_interval"`
	OrderingStrategy  string   `yaml:"ordering_strategy"`
	MinPriority       string   `yaml:"min_priority"`
	VDFTimeParameter  uint64   `yaml:"vdf_time_parameter"`
	EncryptionEnabled bool     `yaml:"encryption_enabled"`
}

type detectionSection struct {
	Window             Duration `yaml:"window"`
	FrontrunWindow     Duration `yaml:"frontrun_window"`
	BackrunWindow      Duration `yaml:"backrun_window"`
	FrontrunMultiplier uint64   `yaml:"frontrun_multiplier"`
	BackrunMultiplier  uint64   `yaml:"backrun_multiplier"`
	SandwichConfidence float64  `yaml:"sandwich_confidence"`
	FrontrunConfidence float64  `yaml:"frontrun_confidence"`
	BackrunConfidence  float64  `yaml:"backrun_confidence"`
	MaxHistory         int      `yaml:"max_history"`
}

// Config is the resolved daemon configuration.
type Config struct {
	// DataDir holds the LevelDB store. Empty keeps all state in memory.
	DataDir           string
	LogLevel          string
	LogFormat         string
	SchedulerInterval time.Duration
	CleanupInterval   time.Duration
	CleanupMaxAge     time.Duration
	ShutdownTimeout   time.Duration

	API        api.Config
	Protection protection.Config
	// PayloadKey is the hex payload cipher key from the environment.
	PayloadKey string
}

func defaultFileConfig() *fileConfig {
	pc := protection.DefaultConfig()
	ac := api.DefaultConfig()
	return &fileConfig{
		DataDir:           "",
		LogLevel:          "info",
		LogFormat:         "json",
		SchedulerInterval: Duration(500 * time.Millisecond),
		CleanupInterval:   Duration(time.Minute),
		CleanupMaxAge:     Duration(time.Hour),
		API: apiSection{
			Addr:               ac.Addr,
			RateLimitPerMinute: ac.RequestsPerMinute,
			MaxBodySizeBytes:   ac.MaxBodyBytes,
			ReadTimeout:        Duration(ac.ReadTimeout),
			WriteTimeout:       Duration(ac.WriteTimeout),
			ShutdownTimeout:    Duration(15 * time.Second),
		},
		Protection: fromProtectionConfig(pc),
	}
}

func fromProtectionConfig(pc protection.Config) protectionSection {
	cr, mp, det := pc.CommitReveal, pc.Mempool, pc.Detection
	return protectionSection{
		Level:                 string(pc.Level),
		EnableAttackDetection: pc.EnableAttackDetection,
		AutoProtectThreshold:  decString(pc.AutoProtectThreshold),
		SlippageProtectionBps: pc.SlippageProtectionBps,
		CommitReveal: commitRevealSection{
			CommitPhaseDuration: Duration(cr.CommitPhaseDuration),
			RevealPhaseDuration: Duration(cr.RevealPhaseDuration),
			MaxCommitsPerUser:   cr.MaxCommitsPerUser,
			CommitExpiry:        Duration(cr.CommitExpiry),
			RevealBlockWindow:   cr.RevealBlockWindow,
			NoRevealPenaltyBps:  cr.NoRevealPenaltyBps,
		},
		Mempool: mempoolSection{
			MaxTransactions:   mp.MaxTransactions,
			TransactionExpiry: Duration(mp.TransactionExpiry),
			BatchSize:         mp.BatchSize,
			BatchInterval:     Duration(mp.BatchInterval),
			OrderingStrategy:  string(mp.OrderingStrategy),
			MinPriority:       decString(mp.MinPriority),
			VDFTimeParameter:  mp.VDFTimeParameter,
			EncryptionEnabled: mp.EncryptionEnabled,
		},
		Detection: detectionSection{
			Window:             Duration(det.Window),
			FrontrunWindow:     Duration(det.FrontrunWindow),
			BackrunWindow:      Duration(det.BackrunWindow),
			FrontrunMultiplier: det.FrontrunMultiplier,
			BackrunMultiplier:  det.BackrunMultiplier,
			SandwichConfidence: det.SandwichConfidence,
			FrontrunConfidence: det.FrontrunConfidence,
			BackrunConfidence:  det.BackrunConfidence,
			MaxHistory:         det.MaxHistory,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults. An empty path
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	fc := defaultFileConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, fc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg, err := fc.resolve()
	if err != nil {
		return nil, err
	}
	cfg.PayloadKey = os.Getenv(payloadKeyEnv)
	return cfg, nil
}

func (fc *fileConfig) resolve() (*Config, error) {
	level, err := protection.ParseProtectionLevel(fc.Protection.Level)
	if err != nil {
		return nil, err
	}
	strategy, err := batchpool.ParseStrategy(fc.Protection.Mempool.OrderingStrategy)
	if err != nil {
		return nil, err
	}
	threshold, err := decimal("protection.auto_protect_threshold", fc.Protection.AutoProtectThreshold)
	if err != nil {
		return nil, err
	}
	minPriority, err := decimal("protection.mempool.min_priority", fc.Protection.Mempool.MinPriority)
	if err != nil {
		return nil, err
	}

	p := fc.Protection
	cfg := &Config{
		DataDir:           fc.DataDir,
		LogLevel:          fc.LogLevel,
		LogFormat:         fc.LogFormat,
		SchedulerInterval: time.Duration(fc.SchedulerInterval),
		CleanupInterval:   time.Duration(fc.CleanupInterval),
		CleanupMaxAge:     time.Duration(fc.CleanupMaxAge),
		ShutdownTimeout:   time.Duration(fc.API.ShutdownTimeout),
		API: api.Config{
			Addr:              fc.API.Addr,
			RequestsPerMinute: fc.API.RateLimitPerMinute,
			MaxBodyBytes:      fc.API.MaxBodySizeBytes,
			ReadTimeout:       time.Duration(fc.API.ReadTimeout),
			WriteTimeout:      time.Duration(fc.API.WriteTimeout),
			TrustedProxies:    fc.API.TrustedProxies,
		},
		Protection: protection.Config{
			Level: level,
			CommitReveal: commitreveal.Config{
				CommitPhaseDuration: time.Duration(p.CommitReveal.CommitPhaseDuration),
				RevealPhaseDuration: time.Duration(p.CommitReveal.RevealPhaseDuration),
				MaxCommitsPerUser:   p.CommitReveal.MaxCommitsPerUser,
				CommitExpiry:        time.Duration(p.CommitReveal.CommitExpiry),
				RevealBlockWindow:   p.CommitReveal.RevealBlockWindow,
				NoRevealPenaltyBps:  p.CommitReveal.NoRevealPenaltyBps,
			},
			Mempool: batchpool.Config{
				MaxTransactions:   p.Mempool.MaxTransactions,
				TransactionExpiry: time.Duration(p.Mempool.TransactionExpiry),
				BatchSize:         p.Mempool.BatchSize,
				BatchInterval:     time.Duration(p.Mempool.BatchInterval),
				OrderingStrategy:  strategy,
				MinPriority:       minPriority,
				VDFTimeParameter:  p.Mempool.VDFTimeParameter,
				EncryptionEnabled: p.Mempool.EncryptionEnabled,
			},
			Detection: mevdetect.Config{
				Window:             time.Duration(p.Detection.Window),
				FrontrunWindow:     time.Duration(p.Detection.FrontrunWindow),
				BackrunWindow:      time.Duration(p.Detection.BackrunWindow),
				FrontrunMultiplier: p.Detection.FrontrunMultiplier,
				BackrunMultiplier:  p.Detection.BackrunMultiplier,
				SandwichConfidence: p.Detection.SandwichConfidence,
				FrontrunConfidence: p.Detection.FrontrunConfidence,
				BackrunConfidence:  p.Detection.BackrunConfidence,
				MaxHistory:         p.Detection.MaxHistory,
			},
			EnableAttackDetection: p.EnableAttackDetection,
			AutoProtectThreshold:  threshold,
			SlippageProtectionBps: p.SlippageProtectionBps,
		},
	}
	return cfg, cfg.Validate()
}

func decimal(field, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid decimal %q: %w", field, s, err)
	}
	return v, nil
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// Validate checks the daemon settings and every component's configuration.
func (c *Config) Validate() error {
	if c.SchedulerInterval <= 0 {
		return errors.New("scheduler_interval must be positive")
	}
	if c.CleanupInterval <= 0 || c.CleanupMaxAge <= 0 || c.ShutdownTimeout <= 0 {
		return errors.New("cleanup_interval, cleanup_max_age and api.shutdown_timeout must be positive")
	}
	if err := c.API.Validate(); err != nil {
		return err
	}
	return c.Protection.Validate()
}

// Marshal renders the resolved configuration back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	fc := &fileConfig{
		DataDir:           c.DataDir,
		LogLevel:          c.LogLevel,
		LogFormat:         c.LogFormat,
		SchedulerInterval: Duration(c.SchedulerInterval),
		CleanupInterval:   Duration(c.CleanupInterval),
		CleanupMaxAge:     Duration(c.CleanupMaxAge),
		API: apiSection{
			Addr:               c.API.Addr,
			RateLimitPerMinute: c.API.RequestsPerMinute,
			MaxBodySizeBytes:   c.API.MaxBodyBytes,
			ReadTimeout:        Duration(c.API.ReadTimeout),
			WriteTimeout:       Duration(c.API.WriteTimeout),
			ShutdownTimeout:    Duration(c.ShutdownTimeout),
			TrustedProxies:     c.API.TrustedProxies,
		},
		Protection: fromProtectionConfig(c.Protection),
	}
	return yaml.Marshal(fc)
}
