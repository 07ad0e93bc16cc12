package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Identity is the device identity advertised in ListIdentity responses and
// matched against electronic keys.
type Identity struct {
	VendorID      uint16 `mapstructure:"vendor_id"`
	DeviceType    uint16 `mapstructure:"device_type"`
	ProductCode   uint16 `mapstructure:"product_code"`
	MajorRevision uint8  `mapstructure:"major_revision"`
	MinorRevision uint8  `mapstructure:"minor_revision"`
	SerialNumber  uint32 `mapstructure:"serial_number"`
	ProductName   string `mapstructure:"product_name"`
}

// Assembly describes one assembly instance and its byte size.
type Assembly struct {
	Instance uint32 `mapstructure:"instance"`
	Size     int    `mapstructure:"size"`
}

// PoolEntry binds an application connection slot to its assembly triple.
type PoolEntry struct {
	OutputAssembly uint32 `mapstructure:"output_assembly"`
	InputAssembly  uint32 `mapstructure:"input_assembly"`
	ConfigAssembly uint32 `mapstructure:"config_assembly"`
}

// Network holds the wire-facing settings.
type Network struct {
	Interface   string `mapstructure:"interface"`
	IPAddress   string `mapstructure:"ip_address"`
	NetworkMask string `mapstructure:"network_mask"`
	Gateway     string `mapstructure:"gateway"`
	EncapPort   uint16 `mapstructure:"encap_port"`
	IOPort      uint16 `mapstructure:"io_port"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Config is the full adapter configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	// UniqueID seeds the connection-id incarnation value and must differ
	// between successive boots of the same device.
	UniqueID uint16 `mapstructure:"unique_id"`
	// TimerTickMs is the scheduler granularity in milliseconds.
	TimerTickMs int64 `mapstructure:"timer_tick_ms"`

	Identity Identity `mapstructure:"identity"`
	Network  Network  `mapstructure:"network"`

	Assemblies     []Assembly  `mapstructure:"assemblies"`
	ExclusiveOwner []PoolEntry `mapstructure:"exclusive_owner"`
	InputOnly      []PoolEntry `mapstructure:"input_only"`
	ListenOnly     []PoolEntry `mapstructure:"listen_only"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("timer_tick_ms", 10)
	v.SetDefault("network.encap_port", 0xAF12)
	v.SetDefault("network.io_port", 0x08AE)
	v.SetDefault("identity.vendor_id", 1)
	v.SetDefault("identity.device_type", 12) // communications adapter
	v.SetDefault("identity.product_code", 65001)
	v.SetDefault("identity.major_revision", 2)
	v.SetDefault("identity.minor_revision", 1)
	v.SetDefault("identity.product_name", "Go EIP Adapter")
}

// Load reads the configuration from the given file (optional) and from
// EIP_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.TimerTickMs <= 0 {
		return fmt.Errorf("config: timer_tick_ms must be positive, got %d", c.TimerTickMs)
	}
	if c.Network.EncapPort == 0 || c.Network.IOPort == 0 {
		return fmt.Errorf("config: encap_port and io_port must be non-zero")
	}
	seen := map[uint32]bool{}
	for _, a := range c.Assemblies {
		if a.Size < 0 {
			return fmt.Errorf("config: assembly %d has negative size", a.Instance)
		}
		if seen[a.Instance] {
			return fmt.Errorf("config: duplicate assembly instance %d", a.Instance)
		}
		seen[a.Instance] = true
	}
	for _, p := range append(append(append([]PoolEntry{}, c.ExclusiveOwner...), c.InputOnly...), c.ListenOnly...) {
		for _, inst := range []uint32{p.OutputAssembly, p.InputAssembly, p.ConfigAssembly} {
			if inst != 0 && !seen[inst] {
				return fmt.Errorf("config: pool entry references unknown assembly %d", inst)
			}
		}
	}
	return nil
}
