package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggingFallbackToStdout(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	logPath := filepath.Join(blocked, "sub", "mdhome.log")
	configPath := writeConfigFile(t, fmt.Sprintf(`
ClientSecret = "%s"
ClientPort = 4443
MaxCacheSizeInMebibytes = 1024
LogLevel = "info"
LogFilePath = "%s"
CacheDir = "%s"
`, testSecret, logPath, filepath.Join(dir, "cache")))

	useBufferWriters(t)
	code := run(cliOptions{configPath: configPath, checkOnly: true})
	if code != 0 {
		t.Fatalf("日志 fallback 不应导致失败，得到 %d: %s", code, stdErrBuffer().String())
	}
}

func TestLoggingWritesToConfiguredFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "mdhome.log")
	configPath := writeConfigFile(t, fmt.Sprintf(`
ClientSecret = "%s"
ClientPort = 4443
MaxCacheSizeInMebibytes = 1024
LogLevel = "info"
LogFilePath = "%s"
CacheDir = "%s"
`, testSecret, logPath, filepath.Join(dir, "cache")))

	useBufferWriters(t)
	if code := run(cliOptions{configPath: configPath, checkOnly: true}); code != 0 {
		t.Fatalf("期望退出码 0，得到 %d: %s", code, stdErrBuffer().String())
	}

	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("读取日志失败: %v", err)
	}
	if !containsAll(string(raw), `"config_check_passed"`, `"action":"check_config"`) {
		t.Fatalf("日志文件缺少校验记录: %s", raw)
	}
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
