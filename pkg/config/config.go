// Package config loads the recognized REM daemon options from a YAML file
// layered with environment variables, the way steveyegge-beads and
// untoldecay-BeadsLog both bind spf13/viper to a struct rather than reading
// flags directly — no config package exists in the teacher repo since
// Warren binds cobra flags straight into manager.Config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full set of options recognized by remd, per spec.md §6.
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	Role     string `mapstructure:"role"`

	WALRetention int `mapstructure:"wal_retention"`

	QueryCellBudget int `mapstructure:"query_cell_budget"`

	HNSWEfSearch       int `mapstructure:"hnsw_ef_search"`
	HNSWM              int `mapstructure:"hnsw_m"`
	HNSWEfConstruction int `mapstructure:"hnsw_ef_construction"`

	EmbeddingWorkerCount int `mapstructure:"embedding_worker_count"`

	HotDataDays int `mapstructure:"hot_data_days"`

	EncryptionKeyPath string `mapstructure:"encryption_key_path"`

	ReplicationListenAddr string   `mapstructure:"replication_listen_addr"`
	ReplicationPeers      []string `mapstructure:"replication_peers"`

	MetricsListenAddr string `mapstructure:"metrics_listen_addr"`

	RefreshCadence time.Duration `mapstructure:"refresh_cadence"`
}

// defaults mirrors the tiered-index and query defaults resolved in
// DESIGN.md's Open Questions section.
func defaults() map[string]any {
	return map[string]any{
		"data_dir":               "./data",
		"role":                   "primary",
		"wal_retention":          100_000,
		"query_cell_budget":      1_000_000,
		"hnsw_ef_search":         64,
		"hnsw_m":                 16,
		"hnsw_ef_construction":   200,
		"embedding_worker_count": 4,
		"hot_data_days":          30,
		"encryption_key_path":    "",
		"replication_listen_addr": "",
		"replication_peers":      []string{},
		"metrics_listen_addr":    ":9090",
		"refresh_cadence":        time.Hour,
	}
}

// Load reads configuration from path (if non-empty) layered under env vars
// prefixed REM_ (REM_DATA_DIR, REM_ROLE, ...), falling back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix("rem")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Dump renders cfg back to YAML, used by `remd config` to display the
// effective configuration after defaults and env overrides are applied.
func (cfg *Config) Dump() (string, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config: encode: %w", err)
	}
	return string(out), nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if cfg.Role != "primary" && cfg.Role != "replica" {
		return fmt.Errorf("config: role must be primary or replica, got %q", cfg.Role)
	}
	if cfg.Role == "replica" && len(cfg.ReplicationPeers) == 0 {
		return fmt.Errorf("config: replica role requires replication_peers")
	}
	return nil
}
