package dcerpc

import (
	"sync"

	"github.com/spf13/viper"
)

var configOnce sync.Once

// DefaultMaxTx caps live transactions per flow before forced completion kicks in.
const DefaultMaxTx = 1024

// Config holds configurable DCERPC parsing parameters
type Config struct {
	// Transaction limits
	MaxTx int `mapstructure:"max_tx"`
}

// initConfigDefaults initializes viper defaults once
func initConfigDefaults() {
	viper.SetDefault("dcerpc.max_tx", DefaultMaxTx)
}

// GetConfig returns the current DCERPC configuration with defaults
func GetConfig() *Config {
	// Initialize defaults only once to prevent race conditions
	configOnce.Do(initConfigDefaults)

	return &Config{
		MaxTx: viper.GetInt("dcerpc.max_tx"),
	}
}
