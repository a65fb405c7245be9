package ssh

import (
	"sync"

	"github.com/spf13/viper"
)

var configOnce sync.Once

// DefaultMaxBannerLen bounds how long an unterminated identification line may
// grow before the flow is written off.
const DefaultMaxBannerLen = 4096

// Config holds configurable SSH parsing parameters
type Config struct {
	// Banner limits
	MaxBannerLen int `mapstructure:"max_banner_len"`
}

// initConfigDefaults initializes viper defaults once
func initConfigDefaults() {
	viper.SetDefault("ssh.max_banner_len", DefaultMaxBannerLen)
}

// GetConfig returns the current SSH configuration with defaults
func GetConfig() *Config {
	// Initialize defaults only once to prevent race conditions
	configOnce.Do(initConfigDefaults)

	return &Config{
		MaxBannerLen: viper.GetInt("ssh.max_banner_len"),
	}
}
