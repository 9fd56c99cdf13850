package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

const (
	// ProductionControlAddress 是正式控制面的基础地址。
	ProductionControlAddress = "https://api.mangadex.network/"
	// DevControlAddress 是测试网控制面的基础地址。
	DevControlAddress = "https://mangadex-test.net/"

	mebibyte = 1024 * 1024
)

// GlobalConfig 描述节点自身的运行参数，与控制面下发的设置相互独立。
type GlobalConfig struct {
	ClientSecret            string   `mapstructure:"ClientSecret"`
	ClientHostname          string   `mapstructure:"ClientHostname"`
	ClientPort              int      `mapstructure:"ClientPort"`
	ClientExternalPort      int      `mapstructure:"ClientExternalPort"`
	MaxCacheSizeInMebibytes int64    `mapstructure:"MaxCacheSizeInMebibytes"`
	MaxMebibytesPerHour     int64    `mapstructure:"MaxMebibytesPerHour"`
	MaxKilobitsPerSecond    int64    `mapstructure:"MaxKilobitsPerSecond"`
	MaxConnections          int      `mapstructure:"MaxConnections"`
	GracefulShutdownWait    Duration `mapstructure:"GracefulShutdownWait"`
	CacheDir                string   `mapstructure:"CacheDir"`
	AllowedReferers         []string `mapstructure:"AllowedReferers"`
	ForceTokens             bool     `mapstructure:"ForceTokens"`
	UpstreamTimeout         Duration `mapstructure:"UpstreamTimeout"`
	MetricsListen           string   `mapstructure:"MetricsListen"`
	LogLevel                string   `mapstructure:"LogLevel"`
	LogFilePath             string   `mapstructure:"LogFilePath"`
	LogMaxSize              int      `mapstructure:"LogMaxSize"`
	LogMaxBackups           int      `mapstructure:"LogMaxBackups"`
	LogCompress             bool     `mapstructure:"LogCompress"`
}

// ControlConfig 决定节点连接哪一个控制面。
type ControlConfig struct {
	Address string `mapstructure:"Address"`
	Dev     bool   `mapstructure:"Dev"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Control ControlConfig `mapstructure:"Control"`
}

// MaxCacheBytes 返回磁盘缓存的字节上限。
func (g GlobalConfig) MaxCacheBytes() int64 {
	return g.MaxCacheSizeInMebibytes * mebibyte
}

// HourlyBudgetBytes 返回每小时出口流量上限，0 表示不限制。
func (g GlobalConfig) HourlyBudgetBytes() int64 {
	return g.MaxMebibytesPerHour * mebibyte
}

// AdvertisedPort 返回上报给控制面的端口：优先使用外部端口。
func (g GlobalConfig) AdvertisedPort() int {
	if g.ClientExternalPort != 0 {
		return g.ClientExternalPort
	}
	return g.ClientPort
}

// NetworkSpeedBytes 将 kbps 上限换算成控制面需要的字节/秒。
func (g GlobalConfig) NetworkSpeedBytes() int64 {
	return g.MaxKilobitsPerSecond * 1000 / 8
}

// ListenAddress 返回图片服务监听地址。
func (g GlobalConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", g.ClientHostname, g.ClientPort)
}

// ResolvedAddress 返回控制面基础地址，保证以 / 结尾。
func (c ControlConfig) ResolvedAddress() string {
	addr := strings.TrimSpace(c.Address)
	if addr == "" {
		if c.Dev {
			addr = DevControlAddress
		} else {
			addr = ProductionControlAddress
		}
	}
	if !strings.HasSuffix(addr, "/") {
		addr += "/"
	}
	return addr
}
