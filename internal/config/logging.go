package config

import (
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

// Subsystems 本项目使用的日志子系统
var Subsystems = []string{
	"realtime", "dispatch", "auth", "media", "device", "peer",
	"rtcapi", "inbox", "presence", "server",
}

// SetupLogging 设置所有子系统的日志级别
func SetupLogging(level string) error {
	if level == "" {
		level = "info"
	}
	if _, err := logging.LevelFromString(level); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	for _, name := range Subsystems {
		// 未被引用的子系统没有注册 logger
		if err := logging.SetLogLevel(name, level); err != nil && !errors.Is(err, logging.ErrNoSuchLogger) {
			return fmt.Errorf("set log level for %s: %w", name, err)
		}
	}
	return nil
}
