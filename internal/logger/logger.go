package logger

import (
	"os"
	"strings"
	"sync"

	"telegram-grid-bot-go/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu         sync.RWMutex
	baseLogger *zap.Logger
)

// InitLogger 根据配置初始化全局 zap 日志记录器并返回它
func InitLogger(cfg models.LogConfig) *zap.Logger {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)

	if output == "file" || output == "both" {
		// 文件不需要颜色
		fileEncoderConfig := encoderConfig
		fileEncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(fileEncoderConfig), zapcore.AddSync(rotator), logLevel))
	}

	if output == "console" || output == "both" || len(cores) == 0 {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stdout), logLevel))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	mu.Lock()
	baseLogger = l
	mu.Unlock()
	return l
}

// L 返回全局 logger；未初始化时返回开发模式的应急 logger
func L() *zap.Logger {
	mu.RLock()
	l := baseLogger
	mu.RUnlock()
	if l == nil {
		fallback, _ := zap.NewDevelopment()
		return fallback
	}
	return l
}

// S 返回全局的sugared logger实例
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// ForUser 返回带有用户ID字段的子 logger
func ForUser(l *zap.Logger, userID int64) *zap.Logger {
	return l.With(zap.Int64("user_id", userID))
}
