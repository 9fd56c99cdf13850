package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mdnet/mdhome/internal/config"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "mdhome.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mdhome.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestRequestFieldsCarryImageAction(t *testing.T) {
	fields := RequestFields("req-1", "/data/abc/1.png", "deadbeef", true, false)
	if fields["action"] != "image" {
		t.Fatalf("请求日志应带 image action，得到 %v", fields["action"])
	}
	if fields["data_saver"] != true || fields["cache_hit"] != false {
		t.Fatalf("字段映射错误: %v", fields)
	}
}

func TestLifecycleFields(t *testing.T) {
	fields := LifecycleFields("running", "graceful_shutdown", "budget")
	if fields["from"] != "running" || fields["to"] != "graceful_shutdown" || fields["reason"] != "budget" {
		t.Fatalf("状态迁移字段错误: %v", fields)
	}
}

func TestNodeHookAddsBuildAndHost(t *testing.T) {
	var buf bytes.Buffer
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info", ClientHostname: "edge-1.example"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.SetOutput(&buf)
	logger.WithField("action", "test").Info("hello")
	out := buf.String()
	for _, want := range []string{`"build":`, `"node":"edge-1.example"`, `"event":"hello"`, `"ts":`} {
		if !strings.Contains(out, want) {
			t.Fatalf("日志缺少 %s: %s", want, out)
		}
	}
}

func TestConfigureWritesConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mdhome.log")
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info", LogFilePath: path})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out == os.Stdout {
		t.Fatalf("配置文件路径后不应只写 stdout")
	}
	logger.WithField("action", "test").Info("file_event")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取日志失败: %v", err)
	}
	if !strings.Contains(string(raw), `"event":"file_event"`) {
		t.Fatalf("日志文件缺少记录: %s", raw)
	}
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := InitLogger(config.GlobalConfig{LogLevel: "loud"}); err == nil {
		t.Fatalf("未知级别应报错")
	}
}
