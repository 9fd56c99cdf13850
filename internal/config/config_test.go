package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ClientHostname != "0.0.0.0" {
		t.Fatalf("ClientHostname 应该自动填充默认值，得到 %s", cfg.Global.ClientHostname)
	}
	if cfg.Global.GracefulShutdownWait.DurationValue() != 30*time.Second {
		t.Fatalf("GracefulShutdownWait 应被解析为 30s，得到 %s", cfg.Global.GracefulShutdownWait.DurationValue())
	}
	if len(cfg.Global.AllowedReferers) != 2 {
		t.Fatalf("AllowedReferers 应包含默认域名，得到 %v", cfg.Global.AllowedReferers)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 3*time.Second {
		t.Fatalf("UpstreamTimeout 默认应为 3s")
	}
	if cfg.Control.ResolvedAddress() != DevControlAddress {
		t.Fatalf("Dev 模式应使用测试网控制面，得到 %s", cfg.Control.ResolvedAddress())
	}
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "missing.toml"))
	if err == nil {
		t.Fatalf("缺少 ClientSecret 的配置应返回错误")
	}
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Global.ClientSecret" {
		t.Fatalf("应返回 ClientSecret 字段错误，得到 %v", err)
	}
}

func TestValidateEnforcesClientPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ClientPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ClientPort 超出范围应当报错")
	}
}

func TestValidateLimits(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"cache too small", func(c *Config) { c.Global.MaxCacheSizeInMebibytes = 512 }},
		{"negative budget", func(c *Config) { c.Global.MaxMebibytesPerHour = -1 }},
		{"negative bandwidth", func(c *Config) { c.Global.MaxKilobitsPerSecond = -1 }},
		{"short graceful wait", func(c *Config) { c.Global.GracefulShutdownWait = Duration(5 * time.Second) }},
		{"referer with scheme", func(c *Config) { c.Global.AllowedReferers = []string{"https://mangadex.org"} }},
		{"bad control address", func(c *Config) { c.Control.Address = "ftp://control" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("%s 应当校验失败", tc.name)
			}
		})
	}
}

func TestGlobalDerivedValues(t *testing.T) {
	g := validConfig().Global
	g.MaxKilobitsPerSecond = 8000
	g.ClientExternalPort = 8443

	if g.NetworkSpeedBytes() != 1000000 {
		t.Fatalf("8000 kbps 应换算为 1000000 B/s，得到 %d", g.NetworkSpeedBytes())
	}
	if g.AdvertisedPort() != 8443 {
		t.Fatalf("设置外部端口后应上报外部端口")
	}
	if g.MaxCacheBytes() != 2048*1024*1024 {
		t.Fatalf("缓存字节上限换算错误: %d", g.MaxCacheBytes())
	}
}

func TestControlAddressAppendsSlash(t *testing.T) {
	c := ControlConfig{Address: "https://control.example"}
	if got := c.ResolvedAddress(); got != "https://control.example/" {
		t.Fatalf("地址应补齐末尾斜杠，得到 %s", got)
	}
	if got := (ControlConfig{}).ResolvedAddress(); got != ProductionControlAddress {
		t.Fatalf("默认应使用正式控制面，得到 %s", got)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ClientSecret:            "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ",
			ClientHostname:          "0.0.0.0",
			ClientPort:              443,
			MaxCacheSizeInMebibytes: 2048,
			GracefulShutdownWait:    Duration(60 * time.Second),
			CacheDir:                "./cache",
			AllowedReferers:         []string{"mangadex.org"},
			UpstreamTimeout:         Duration(3 * time.Second),
		},
	}
}
