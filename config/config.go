package config

import (
	"fmt"
	"strings"
	"time"

	"netplay-natt/internal/ifinfo"
	"netplay-natt/internal/natt"
	"netplay-natt/internal/relay"
	"netplay-natt/internal/stunprobe"

	"github.com/spf13/viper"
)

// Config 配置结构体
type Config struct {
	NATT    NATTConfig       `mapstructure:"natt"`
	Network ifinfo.Config    `mapstructure:"network"`
	STUN    stunprobe.Config `mapstructure:"stun"`
	Relay   relay.Config     `mapstructure:"relay"`
	Log     LogConfig        `mapstructure:"log"`
}

// NATTConfig 端口映射配置
type NATTConfig struct {
	Port             int           `mapstructure:"port"`
	Protocol         string        `mapstructure:"protocol"`
	Description      string        `mapstructure:"description"`
	LeaseDuration    time.Duration `mapstructure:"lease_duration"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	UPnP             bool          `mapstructure:"upnp"`
	NATPMP           bool          `mapstructure:"natpmp"`
	NATPMPTimeout    time.Duration `mapstructure:"natpmp_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LoadConfig 加载配置文件，configPath 为空时只使用默认值和环境变量
//
// 环境变量使用 NATT_ 前缀，例如 NATT_NATT_PORT 覆盖 natt.port。
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("natt")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 端口映射默认值
	v.SetDefault("natt.port", 55435)
	v.SetDefault("natt.protocol", "udp")
	v.SetDefault("natt.description", "netplay")
	v.SetDefault("natt.lease_duration", "2h")
	v.SetDefault("natt.poll_interval", "50ms")
	v.SetDefault("natt.operation_timeout", "10s")
	v.SetDefault("natt.discovery_timeout", "5s")
	v.SetDefault("natt.upnp", true)
	v.SetDefault("natt.natpmp", true)
	v.SetDefault("natt.natpmp_timeout", "2s")

	// 网络默认值
	v.SetDefault("network.preferred_interfaces", []string{"eth", "en", "wlan"})
	v.SetDefault("network.exclude_interfaces", []string{"docker", "veth", "br-"})

	// STUN默认值
	v.SetDefault("stun.enabled", true)
	v.SetDefault("stun.servers", stunprobe.PublicSTUNServers)
	v.SetDefault("stun.timeout", "5s")

	// 中继默认值
	v.SetDefault("relay.enabled", false)

	// 日志默认值
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// Validate 检查配置
func (c *Config) Validate() error {
	if c.NATT.Port <= 0 || c.NATT.Port > 65535 {
		return fmt.Errorf("无效的端口: %d", c.NATT.Port)
	}
	if _, err := natt.ParseProtocol(c.NATT.Protocol); err != nil {
		return err
	}
	if !c.NATT.UPnP && !c.NATT.NATPMP {
		return fmt.Errorf("至少需要启用 UPnP 或 NAT-PMP 之一")
	}
	if c.Relay.Enabled && len(c.Relay.TURNServers) == 0 {
		return fmt.Errorf("启用中继时必须配置 TURN 服务器")
	}
	return nil
}

// Protocol 返回映射协议
func (c *Config) Protocol() natt.Protocol {
	p, _ := natt.ParseProtocol(c.NATT.Protocol)
	return p
}
