package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log *zap.Logger

// Init 初始化全局日志。release 模式输出 JSON，其他模式输出带颜色的控制台格式。
func Init(mode string) error {
	level := zapcore.InfoLevel
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := zapcore.ParseLevel(lvl); err == nil {
			level = parsed
		}
	}

	var encoderCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if mode == "release" {
		encoderCfg = zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return nil
}

// Sync 刷新缓冲的日志
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}

func l() *zap.Logger {
	if log == nil {
		// 未初始化时兜底，避免空指针
		log = zap.NewNop()
	}
	return log
}

func Debug(msg string, fields ...zap.Field) { l().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { l().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { l().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { l().Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) { l().Fatal(msg, fields...) }

// Sugar 返回 SugaredLogger，供需要 printf 风格的调用方使用
func Sugar() *zap.SugaredLogger {
	return l().Sugar()
}
