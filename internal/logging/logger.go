package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mdnet/mdhome/internal/config"
	"github.com/mdnet/mdhome/internal/version"
)

// 节点日志以 event 作为消息键，与控制面侧的日志采集保持一致。
var nodeFieldMap = logrus.FieldMap{
	logrus.FieldKeyMsg:  "event",
	logrus.FieldKeyTime: "ts",
}

// InitLogger 按全局配置构建节点 logger。
// 配置了 LogFilePath 时同时写控制台与滚动文件；文件不可用时只写控制台并记录 logger_fallback。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别 %q: %w", cfg.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap:        nodeFieldMap,
	})
	logger.AddHook(nodeHook{build: version.Build, host: cfg.ClientHostname})

	rotator, fileErr := openRotator(cfg)
	switch {
	case rotator != nil:
		logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	default:
		logger.SetOutput(os.Stdout)
	}

	// 第三方库经全局 logrus 输出的日志也走同一份配置。
	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(level)

	if fileErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", fileErr)
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
			"error":  fileErr.Error(),
		}).Warn("log_file_unavailable")
	}
	return logger, nil
}

// Discard 返回丢弃所有输出的 logger，供测试与未注入 logger 的组件使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// openRotator 在未配置文件路径时返回 nil, nil。
func openRotator(cfg config.GlobalConfig) (*lumberjack.Logger, error) {
	if cfg.LogFilePath == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// nodeHook 为每条日志附带构建号与节点主机名，便于控制面侧对照节点版本。
type nodeHook struct {
	build int
	host  string
}

func (h nodeHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h nodeHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["build"]; !ok {
		entry.Data["build"] = h.build
	}
	if h.host != "" {
		if _, ok := entry.Data["node"]; !ok {
			entry.Data["node"] = h.host
		}
	}
	return nil
}
