package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.Global.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.CacheDir = absCache

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ClientHostname", "0.0.0.0")
	v.SetDefault("ClientPort", 443)
	v.SetDefault("ClientExternalPort", 0)
	v.SetDefault("MaxCacheSizeInMebibytes", 20480)
	v.SetDefault("MaxMebibytesPerHour", 0)
	v.SetDefault("MaxKilobitsPerSecond", 0)
	v.SetDefault("MaxConnections", 4096)
	v.SetDefault("GracefulShutdownWait", 60)
	v.SetDefault("CacheDir", "./cache")
	v.SetDefault("AllowedReferers", []string{"mangadex.org", "mangadex.network"})
	v.SetDefault("ForceTokens", false)
	v.SetDefault("UpstreamTimeout", "3s")
	v.SetDefault("MetricsListen", "")
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("Control.Address", "")
	v.SetDefault("Control.Dev", false)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ClientHostname == "" {
		g.ClientHostname = "0.0.0.0"
	}
	if g.GracefulShutdownWait.DurationValue() == 0 {
		g.GracefulShutdownWait = Duration(60 * time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(3 * time.Second)
	}
	for i, domain := range g.AllowedReferers {
		g.AllowedReferers[i] = strings.ToLower(strings.TrimSpace(domain))
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
