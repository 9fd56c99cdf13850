package config

import (
	"os"
	"path/filepath"
	"testing"
)

// writeTempConfig 将内容写入临时目录下的 config.toml 并返回路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(filepath.Join("testdata", "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
ClientSecret = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
CacheDir = "./data"
GracefulShutdownWait = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsIntegerSeconds(t *testing.T) {
	cfg := `
ClientSecret = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
CacheDir = "./data"
GracefulShutdownWait = 45
AllowedReferers = [" Example.ORG "]
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if got := loaded.Global.GracefulShutdownWait.DurationValue().Seconds(); got != 45 {
		t.Fatalf("整数秒应被解析为 45s，得到 %v", got)
	}
	if loaded.Global.AllowedReferers[0] != "example.org" {
		t.Fatalf("AllowedReferers 应被规范化，得到 %q", loaded.Global.AllowedReferers[0])
	}
	if loaded.Global.ClientPort != 443 {
		t.Fatalf("ClientPort 默认应为 443")
	}
}

func TestLoadResolvesCacheDir(t *testing.T) {
	loaded, err := Load(filepath.Join("testdata", "valid.toml"))
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if !filepath.IsAbs(loaded.Global.CacheDir) {
		t.Fatalf("CacheDir 应被解析为绝对路径，得到 %s", loaded.Global.CacheDir)
	}
	if loaded.Control.ResolvedAddress() != DevControlAddress {
		t.Fatalf("Dev 模式应使用测试网控制面，得到 %s", loaded.Control.ResolvedAddress())
	}
	if loaded.Global.HourlyBudgetBytes() != 512*1024*1024 {
		t.Fatalf("每小时预算换算错误: %d", loaded.Global.HourlyBudgetBytes())
	}
}
