package config

// Package config provides a reusable loader for veilnet configuration
// files and environment variables. It is versioned so that applications
// can depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"veilnet-network/core"
	"veilnet-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a veilnet node. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ListenAddr   string `mapstructure:"listen_addr" json:"listen_addr"`
		ListenAddrV6 string `mapstructure:"listen_addr_v6" json:"listen_addr_v6"`
		DataDir      string `mapstructure:"data_dir" json:"data_dir"`
		SSLMode      string `mapstructure:"ssl_mode" json:"ssl_mode"`
		RateUp       int64  `mapstructure:"rate_up" json:"rate_up"`
		RateDown     int64  `mapstructure:"rate_down" json:"rate_down"`
		DialTimeout  int    `mapstructure:"dial_timeout_ms" json:"dial_timeout_ms"`
		ReadTimeout  int    `mapstructure:"read_timeout_ms" json:"read_timeout_ms"`
		WriteTimeout int    `mapstructure:"write_timeout_ms" json:"write_timeout_ms"`
		StatusAddr   string `mapstructure:"status_addr" json:"status_addr"`
	} `mapstructure:"network" json:"network"`

	Levin struct {
		InitialMaxPacketSize uint64 `mapstructure:"initial_max_packet_size" json:"initial_max_packet_size"`
		MaxPacketSize        uint64 `mapstructure:"max_packet_size" json:"max_packet_size"`
		InvokeTimeout        int    `mapstructure:"invoke_timeout_ms" json:"invoke_timeout_ms"`
		SendQueueMax         int    `mapstructure:"send_queue_max" json:"send_queue_max"`
		FragmentTimeout      int    `mapstructure:"fragment_timeout_ms" json:"fragment_timeout_ms"`
	} `mapstructure:"levin" json:"levin"`

	Relay struct {
		StemCount           int    `mapstructure:"stem_count" json:"stem_count"`
		NoiseChannels       int    `mapstructure:"noise_channels" json:"noise_channels"`
		NoiseBytes          int    `mapstructure:"noise_bytes" json:"noise_bytes"`
		MaxFragments        int    `mapstructure:"max_fragments" json:"max_fragments"`
		NoiseMinEpoch       int    `mapstructure:"noise_min_epoch_ms" json:"noise_min_epoch_ms"`
		NoiseEpochRange     int    `mapstructure:"noise_epoch_range_ms" json:"noise_epoch_range_ms"`
		DandelionMinEpoch   int    `mapstructure:"dandelion_min_epoch_ms" json:"dandelion_min_epoch_ms"`
		DandelionEpochRange int    `mapstructure:"dandelion_epoch_range_ms" json:"dandelion_epoch_range_ms"`
		FluffAverageIn      int    `mapstructure:"fluff_average_in_ms" json:"fluff_average_in_ms"`
		FluffAverageOut     int    `mapstructure:"fluff_average_out_ms" json:"fluff_average_out_ms"`
		NoiseMinDelay       int    `mapstructure:"noise_min_delay_ms" json:"noise_min_delay_ms"`
		NoiseDelayRange     int    `mapstructure:"noise_delay_range_ms" json:"noise_delay_range_ms"`
		FluffProbability    int    `mapstructure:"fluff_probability" json:"fluff_probability"`
		PadTxs              bool   `mapstructure:"pad_txs" json:"pad_txs"`
		Mode                string `mapstructure:"mode" json:"mode"`
	} `mapstructure:"relay" json:"relay"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // optional .env next to the binary

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the VEILNET_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("VEILNET_ENV", ""))
}

func ms(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Millisecond
}

// NetConfig converts the network section into the core transport tuning.
func (c *Config) NetConfig() core.NetConfig {
	nc := core.DefaultNetConfig()
	nc.ListenAddr = c.Network.ListenAddr
	nc.ListenAddrV6 = c.Network.ListenAddrV6
	nc.DataDir = c.Network.DataDir
	if c.Network.SSLMode != "" {
		nc.SSLMode = c.Network.SSLMode
	}
	nc.RateUp = c.Network.RateUp
	nc.RateDown = c.Network.RateDown
	nc.DialTimeout = ms(c.Network.DialTimeout, nc.DialTimeout)
	nc.ReadTimeout = ms(c.Network.ReadTimeout, nc.ReadTimeout)
	nc.WriteTimeout = ms(c.Network.WriteTimeout, nc.WriteTimeout)
	return nc
}

// ApplyLevin overlays the levin section onto a handler config.
func (c *Config) ApplyLevin(hc *core.HandlerConfig) {
	if c.Levin.InitialMaxPacketSize > 0 {
		hc.InitialMaxPacketSize = c.Levin.InitialMaxPacketSize
	}
	if c.Levin.MaxPacketSize > 0 {
		hc.MaxPacketSize = c.Levin.MaxPacketSize
	}
	if c.Levin.SendQueueMax > 0 {
		hc.SendQueueMax = c.Levin.SendQueueMax
	}
	hc.InvokeTimeout = ms(c.Levin.InvokeTimeout, hc.InvokeTimeout)
	hc.FragmentTimeout = ms(c.Levin.FragmentTimeout, hc.FragmentTimeout)
}

// RelayConfig converts the relay section into the relay engine tuning.
func (c *Config) RelayConfig() core.RelayConfig {
	rc := core.DefaultRelayConfig()
	if c.Relay.StemCount > 0 {
		rc.StemCount = c.Relay.StemCount
	}
	if c.Relay.NoiseChannels > 0 {
		rc.NoiseChannels = c.Relay.NoiseChannels
	}
	if c.Relay.NoiseBytes > 0 {
		rc.NoiseBytes = c.Relay.NoiseBytes
	}
	if c.Relay.MaxFragments > 0 {
		rc.MaxFragments = c.Relay.MaxFragments
	}
	rc.NoiseMinEpoch = ms(c.Relay.NoiseMinEpoch, rc.NoiseMinEpoch)
	rc.NoiseEpochRange = ms(c.Relay.NoiseEpochRange, rc.NoiseEpochRange)
	rc.DandelionMinEpoch = ms(c.Relay.DandelionMinEpoch, rc.DandelionMinEpoch)
	rc.DandelionEpochRange = ms(c.Relay.DandelionEpochRange, rc.DandelionEpochRange)
	rc.FluffAverageIn = ms(c.Relay.FluffAverageIn, rc.FluffAverageIn)
	rc.FluffAverageOut = ms(c.Relay.FluffAverageOut, rc.FluffAverageOut)
	rc.NoiseMinDelay = ms(c.Relay.NoiseMinDelay, rc.NoiseMinDelay)
	rc.NoiseDelayRange = ms(c.Relay.NoiseDelayRange, rc.NoiseDelayRange)
	if c.Relay.FluffProbability > 0 {
		rc.FluffProbability = c.Relay.FluffProbability
	}
	rc.PadTxs = c.Relay.PadTxs
	switch c.Relay.Mode {
	case "fluff":
		rc.Mode = core.ModeFluff
	case "stem":
		rc.Mode = core.ModeStem
	default:
		rc.Mode = core.ModeDandelion
	}
	return rc
}
