package vitalink

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the relay configuration, backed by a viper config file in the
// data directory. The tick periods are constants consumed by the embedding
// shell (or by Run); the retention fields bound the growth of the queues and
// processed-id sets.
type Config struct {
	viper               *viper.Viper
	DataDir             string `mapstructure:"data_dir"`              // Current data dir
	RelayTickSeconds    int    `mapstructure:"relay_tick_seconds"`    // Period of the relay processing cycle
	ConsumerTickSeconds int    `mapstructure:"consumer_tick_seconds"` // Period of the inbox consumer cycle
	RetentionDays       int    `mapstructure:"retention_days"`        // Ineligible inbox envelopes older than this are archived
	ProcessedIDCap      int    `mapstructure:"processed_id_cap"`      // Max ids kept in each flat-file processed-id set
}

// RelayTick returns the relay cycle period.
func (cfg *Config) RelayTick() time.Duration {
	return time.Duration(cfg.RelayTickSeconds) * time.Second
}

// ConsumerTick returns the consumer cycle period.
func (cfg *Config) ConsumerTick() time.Duration {
	return time.Duration(cfg.ConsumerTickSeconds) * time.Second
}

// Retention returns the inbox retention window.
func (cfg *Config) Retention() time.Duration {
	return time.Duration(cfg.RetentionDays) * 24 * time.Hour
}

// SetRetentionDays updates the retention window and persists the config
// file. Clients built without a config file keep the change in memory only.
func (cfg *Config) SetRetentionDays(days int) error {
	if days <= 0 {
		return fmt.Errorf("retention days must be positive, got %d", days)
	}
	cfg.RetentionDays = days
	if cfg.viper == nil {
		return nil
	}
	cfg.viper.Set("retention_days", days)
	if err := cfg.viper.WriteConfig(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	return nil
}

// SetProcessedIDCap updates the processed-id set bound and persists the
// config file. Clients built without a config file keep the change in
// memory only.
func (cfg *Config) SetProcessedIDCap(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("processed id cap must be positive, got %d", limit)
	}
	cfg.ProcessedIDCap = limit
	if cfg.viper == nil {
		return nil
	}
	cfg.viper.Set("processed_id_cap", limit)
	if err := cfg.viper.WriteConfig(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	return nil
}
