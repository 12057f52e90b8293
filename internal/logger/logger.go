package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Level 日志级别，数值越小越详细。
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	current atomic.Int32
	std     = log.New(os.Stderr, "", log.LstdFlags|log.Lmsgprefix)
)

func init() {
	current.Store(int32(LevelInfo))
}

// SetLevel 设置全局日志级别。
func SetLevel(l Level) { current.Store(int32(l)) }

// ParseLevel 解析配置里的级别名，未知值回退到 info。
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func enabled(l Level) bool { return int32(l) >= current.Load() }

func output(tag, format string, args ...any) {
	std.Output(3, tag+" "+fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	if enabled(LevelDebug) {
		output("DEBUG", format, args...)
	}
}

func Infof(format string, args ...any) {
	if enabled(LevelInfo) {
		output("INFO", format, args...)
	}
}

func Warnf(format string, args ...any) {
	if enabled(LevelWarn) {
		output("WARN", format, args...)
	}
}

func Errorf(format string, args ...any) {
	if enabled(LevelError) {
		output("ERROR", format, args...)
	}
}
