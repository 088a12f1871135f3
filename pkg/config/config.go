package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tiercache/internal/cache"
	"tiercache/internal/logging"
	"tiercache/internal/tiered"
	"tiercache/internal/writebehind"
	"tiercache/pkg/tiercache"
)

// Config represents the main configuration structure
type Config struct {
	Manager ManagerConfig `yaml:"manager"`
	Logging LoggingConfig `yaml:"logging"`
	Writer  WriterConfig  `yaml:"writer"`
	Caches  []CacheConfig `yaml:"caches"`
}

// ManagerConfig contains cache manager configuration
type ManagerConfig struct {
	Name          string `yaml:"name"`
	DiskStorePath string `yaml:"disk_store_path"` // empty = temporary, non-persistent
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`          // debug, info, warn, error, fatal
	EnableConsole bool   `yaml:"enable_console"` // Enable console output
	EnableFile    bool   `yaml:"enable_file"`    // Enable file output
	LogFile       string `yaml:"log_file"`       // Log file path
	BufferSize    int    `yaml:"buffer_size"`    // Async log buffer size
	LogDir        string `yaml:"log_dir"`        // Log directory
	MaxFileSize   string `yaml:"max_file_size"`  // Maximum log file size before rotation
	MaxFiles      int    `yaml:"max_files"`      // Maximum number of log files to keep
}

// WriterConfig configures the system of record behind write-behind caches
type WriterConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	Table      string `yaml:"table"`
}

// CacheConfig represents configuration for an individual cache
type CacheConfig struct {
	Name                string        `yaml:"name"`
	MaxEntriesLocalHeap int           `yaml:"max_entries_local_heap"`
	MaxBytesLocalHeap   string        `yaml:"max_bytes_local_heap"`
	EvictionPolicy      string        `yaml:"eviction_policy"`
	SampleSize          int           `yaml:"sample_size"`
	Disk                DiskConfig    `yaml:"disk"`
	Eternal             bool          `yaml:"eternal"`
	TimeToIdle          time.Duration `yaml:"time_to_idle"`
	TimeToLive          time.Duration `yaml:"time_to_live"`
	ExpiryInterval      time.Duration `yaml:"expiry_interval"`
	OperationTimeout    time.Duration `yaml:"operation_timeout"`
	Nonstop             string        `yaml:"nonstop"` // exception, noop, localReads
	WriteBehind         WriteBehind   `yaml:"write_behind"`
}

// DiskConfig configures a cache's disk tier
type DiskConfig struct {
	Mode       string `yaml:"mode"` // none, overflow, durable
	MaxEntries int    `yaml:"max_entries"`
	MaxBytes   string `yaml:"max_bytes"`
	Persistent bool   `yaml:"persistent"`
	SpoolSize  int    `yaml:"spool_size"`
	Compress   bool   `yaml:"compress"`
}

// WriteBehind enables asynchronous writes to the configured writer
type WriteBehind struct {
	writebehind.Config `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Manager: ManagerConfig{
			Name: "tiercache",
		},
		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			BufferSize:    1000,
			LogDir:        "logs",
			MaxFileSize:   "100MB",
			MaxFiles:      10,
		},
		Writer: WriterConfig{
			Table: "cache_entries",
		},
		Caches: []CacheConfig{defaultCache("default")},
	}
}

func defaultCache(name string) CacheConfig {
	return CacheConfig{
		Name:                name,
		MaxEntriesLocalHeap: 10000,
		EvictionPolicy:      cache.PolicyLRU,
		SampleSize:          cache.DefaultSampleSize,
		Disk:                DiskConfig{Mode: "none", SpoolSize: 1024},
		ExpiryInterval:      tiercache.DefaultExpiryInterval,
		Nonstop:             "exception",
		WriteBehind:         WriteBehind{Config: writebehind.DefaultConfig()},
	}
}

// Load reads and parses the configuration file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Warn(nil, logging.ComponentConfig, logging.ActionReload, "Configuration file not found, using defaults", map[string]interface{}{
				"path": path,
			})
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes yaml over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	config := Default()
	var overlay struct {
		Manager *ManagerConfig `yaml:"manager"`
		Logging *LoggingConfig `yaml:"logging"`
		Writer  *WriterConfig  `yaml:"writer"`
		Caches  []yaml.Node    `yaml:"caches"`
	}
	overlay.Manager = &config.Manager
	overlay.Logging = &config.Logging
	overlay.Writer = &config.Writer
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// each listed cache starts from the per-cache defaults
	if overlay.Caches != nil {
		config.Caches = make([]CacheConfig, 0, len(overlay.Caches))
		for i := range overlay.Caches {
			c := defaultCache("")
			if err := overlay.Caches[i].Decode(&c); err != nil {
				return nil, fmt.Errorf("failed to parse caches[%d]: %w", i, err)
			}
			config.Caches = append(config.Caches, c)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Caches) == 0 {
		return fmt.Errorf("at least one cache must be configured")
	}
	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	if _, err := ParseSize(c.Logging.MaxFileSize); err != nil {
		return fmt.Errorf("logging.max_file_size: %w", err)
	}

	names := make(map[string]bool)
	for _, cc := range c.Caches {
		if cc.Name == "" {
			return fmt.Errorf("cache name cannot be empty")
		}
		if names[cc.Name] {
			return fmt.Errorf("duplicate cache name: %s", cc.Name)
		}
		names[cc.Name] = true

		if !cache.IsValidPolicy(cc.EvictionPolicy) {
			return fmt.Errorf("invalid eviction policy for cache %s: %s", cc.Name, cc.EvictionPolicy)
		}
		mode, err := tiered.ParseDiskMode(cc.Disk.Mode)
		if err != nil {
			return fmt.Errorf("cache %s: %w", cc.Name, err)
		}
		if cc.Disk.Persistent && mode == tiered.DiskNone {
			return fmt.Errorf("cache %s: disk.persistent requires a disk mode", cc.Name)
		}
		if cc.Disk.Persistent && c.Manager.DiskStorePath == "" {
			return fmt.Errorf("cache %s: disk.persistent requires manager.disk_store_path", cc.Name)
		}
		if _, err := tiered.ParseNonstopBehavior(cc.Nonstop); err != nil {
			return fmt.Errorf("cache %s: %w", cc.Name, err)
		}
		if _, err := ParseSize(cc.MaxBytesLocalHeap); err != nil {
			return fmt.Errorf("cache %s: max_bytes_local_heap: %w", cc.Name, err)
		}
		if _, err := ParseSize(cc.Disk.MaxBytes); err != nil {
			return fmt.Errorf("cache %s: disk.max_bytes: %w", cc.Name, err)
		}
		if cc.WriteBehind.Enabled {
			if c.Writer.SQLitePath == "" {
				return fmt.Errorf("cache %s: write_behind requires writer.sqlite_path", cc.Name)
			}
			if err := cc.WriteBehind.Validate(); err != nil {
				return fmt.Errorf("cache %s: write_behind: %w", cc.Name, err)
			}
		}
	}
	return nil
}

// ToCacheConfigs converts the cache sections into facade configurations.
// Caches with write-behind enabled are given writer.
func (c *Config) ToCacheConfigs(writer tiercache.Writer) ([]tiercache.CacheConfig, error) {
	out := make([]tiercache.CacheConfig, 0, len(c.Caches))
	for _, cc := range c.Caches {
		converted, err := cc.ToCacheConfig()
		if err != nil {
			return nil, err
		}
		if cc.WriteBehind.Enabled {
			if writer == nil {
				return nil, fmt.Errorf("cache %s: write_behind enabled without a writer", cc.Name)
			}
			converted.Writer = writer
		}
		out = append(out, converted)
	}
	return out, nil
}

// ToCacheConfig converts one cache section; the writer is left unset
func (cc CacheConfig) ToCacheConfig() (tiercache.CacheConfig, error) {
	heapBytes, err := ParseSize(cc.MaxBytesLocalHeap)
	if err != nil {
		return tiercache.CacheConfig{}, fmt.Errorf("cache %s: %w", cc.Name, err)
	}
	diskBytes, err := ParseSize(cc.Disk.MaxBytes)
	if err != nil {
		return tiercache.CacheConfig{}, fmt.Errorf("cache %s: %w", cc.Name, err)
	}
	mode, err := tiered.ParseDiskMode(cc.Disk.Mode)
	if err != nil {
		return tiercache.CacheConfig{}, fmt.Errorf("cache %s: %w", cc.Name, err)
	}
	nonstop, err := tiered.ParseNonstopBehavior(cc.Nonstop)
	if err != nil {
		return tiercache.CacheConfig{}, fmt.Errorf("cache %s: %w", cc.Name, err)
	}

	return tiercache.CacheConfig{
		Name:                cc.Name,
		MaxEntriesLocalHeap: cc.MaxEntriesLocalHeap,
		MaxBytesLocalHeap:   heapBytes,
		EvictionPolicy:      cc.EvictionPolicy,
		SampleSize:          cc.SampleSize,
		DiskMode:            mode,
		MaxEntriesLocalDisk: cc.Disk.MaxEntries,
		MaxBytesLocalDisk:   diskBytes,
		DiskPersistent:      cc.Disk.Persistent,
		DiskSpoolSize:       cc.Disk.SpoolSize,
		DiskCompress:        cc.Disk.Compress,
		Eternal:             cc.Eternal,
		TimeToIdle:          cc.TimeToIdle,
		TimeToLive:          cc.TimeToLive,
		ExpiryInterval:      cc.ExpiryInterval,
		OperationTimeout:    cc.OperationTimeout,
		Nonstop:             nonstop,
		WriteBehind:         cc.WriteBehind.Config,
	}, nil
}

// ToLogConfig converts the logging section for logging.InitializeFromConfig.
// Sizes are checked by Validate; an unparsable size disables rotation.
func (c *Config) ToLogConfig() logging.LogConfig {
	maxFileBytes, _ := ParseSize(c.Logging.MaxFileSize)
	return logging.LogConfig{
		Level:         c.Logging.Level,
		EnableConsole: c.Logging.EnableConsole,
		EnableFile:    c.Logging.EnableFile,
		LogFile:       c.Logging.LogFile,
		BufferSize:    c.Logging.BufferSize,
		LogDir:        c.Logging.LogDir,
		MaxFileBytes:  maxFileBytes,
		MaxFiles:      c.Logging.MaxFiles,
	}
}

// Cache returns the named cache section
func (c *Config) Cache(name string) (CacheConfig, bool) {
	for _, cc := range c.Caches {
		if cc.Name == name {
			return cc, true
		}
	}
	return CacheConfig{}, false
}

var sizeUnits = map[string]int64{
	"":   1,
	"B":  1,
	"KB": 1024,
	"MB": 1024 * 1024,
	"GB": 1024 * 1024 * 1024,
	"TB": 1024 * 1024 * 1024 * 1024,
}

// ParseSize parses sizes such as "512", "64KB" or "2GB". Empty means 0 (unbounded).
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	i := strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if i == 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	digits, unit := s, ""
	if i > 0 {
		digits, unit = s[:i], strings.TrimSpace(s[i:])
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	multiplier, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q in size %q", unit, s)
	}
	return n * multiplier, nil
}

// isValidLogLevel checks if the level is one the logger understands
func isValidLogLevel(level string) bool {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	return validLevels[strings.ToLower(level)]
}
