package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// EngineConfig tunes the execution engine's policies.
type EngineConfig struct {
	QueueDepth         int           `mapstructure:"queue_depth"`
	LoopIterationCap   int           `mapstructure:"loop_iteration_cap"`
	WaitTimeout        time.Duration `mapstructure:"wait_timeout"`
	WaiterTTL          time.Duration `mapstructure:"waiter_ttl"`
	SweepSchedule      string        `mapstructure:"sweep_schedule"`
	DetachOnDisconnect bool          `mapstructure:"detach_on_disconnect"`
	SignalMatchAny     bool          `mapstructure:"signal_match_any"`
}

// ServerConfig holds all flowd configuration.
// Priority: env vars (FLOWD_*) > flowd.yaml > defaults.
type ServerConfig struct {
	DBPath    string       `mapstructure:"db_path"`
	LogLevel  string       `mapstructure:"log_level"`
	LogFormat string       `mapstructure:"log_format"`
	Engine    EngineConfig `mapstructure:"engine"`
}

func defaultConfig() *ServerConfig {
	return &ServerConfig{
		DBPath:    "flowd.db",
		LogLevel:  "info",
		LogFormat: "json",
		Engine: EngineConfig{
			QueueDepth:       128,
			LoopIterationCap: 1000,
			WaitTimeout:      0,
			WaiterTTL:        24 * time.Hour,
			SweepSchedule:    "*/5 * * * *",
		},
	}
}

func loadConfig() (*ServerConfig, error) {
	config := defaultConfig()

	viper.SetConfigName("flowd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/flowd/")
	viper.AddConfigPath("$HOME/.flowd/")

	viper.SetEnvPrefix("FLOWD")
	viper.AutomaticEnv()

	viper.SetDefault("db_path", config.DBPath)
	viper.SetDefault("log_level", config.LogLevel)
	viper.SetDefault("log_format", config.LogFormat)
	viper.SetDefault("engine.queue_depth", config.Engine.QueueDepth)
	viper.SetDefault("engine.loop_iteration_cap", config.Engine.LoopIterationCap)
	viper.SetDefault("engine.wait_timeout", config.Engine.WaitTimeout)
	viper.SetDefault("engine.waiter_ttl", config.Engine.WaiterTTL)
	viper.SetDefault("engine.sweep_schedule", config.Engine.SweepSchedule)
	viper.SetDefault("engine.detach_on_disconnect", config.Engine.DetachOnDisconnect)
	viper.SetDefault("engine.signal_match_any", config.Engine.SignalMatchAny)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read configuration file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func validateConfig(config *ServerConfig) error {
	if config.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if config.Engine.QueueDepth <= 0 {
		return fmt.Errorf("engine.queue_depth must be positive")
	}
	if config.Engine.LoopIterationCap <= 0 {
		return fmt.Errorf("engine.loop_iteration_cap must be positive")
	}
	if config.Engine.WaitTimeout < 0 {
		return fmt.Errorf("engine.wait_timeout cannot be negative")
	}
	if config.Engine.WaiterTTL < 0 {
		return fmt.Errorf("engine.waiter_ttl cannot be negative")
	}
	switch config.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", config.LogLevel)
	}
	return nil
}
