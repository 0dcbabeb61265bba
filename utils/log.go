// Package utils provides utilities that is used in all sub-packages in natcap_simple
package utils

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Log_debug = iota
	Log_info
	Log_warning
	Log_error //error一般用于输出一些 编解码失败 或者 影子连接创建失败之类的, 但不致命
	Log_fatal

	DefaultLL = Log_info
)

// LogLevel 值越小越唠叨, 废话越多，值越大打印的越少，见log_开头的常量;
// 默认是 info级别.
var (
	LogLevel int = DefaultLL

	// 若非空, 日志也会写入该文件, 由 lumberjack 负责切割
	LogOutFileName string

	// 在 InitLog 之前为 Nop, 这样库的使用者和 go test 不必初始化日志
	ZapLogger *zap.Logger = zap.NewNop()
)

func LogLevelStr(lvl int) string {
	return zapcore.Level(lvl - 1).String()
}

func LogLevelStrList() (sl []string) {
	for i := Log_debug; i <= Log_fatal; i++ {
		sl = append(sl, LogLevelStr(i))
	}
	return
}

// 我们的loglevel就是zap的loglevel+1
func InitLog(firstMsg string) {
	atomicLevel := zap.NewAtomicLevel()
	atomicLevel.SetLevel(zapcore.Level(LogLevel - 1))

	var writes = []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}

	if LogOutFileName != "" {
		writes = append(writes, zapcore.AddSync(&lumberjack.Logger{
			Filename:   LogOutFileName,
			MaxSize:    10, //MB
			MaxBackups: 3,
			MaxAge:     28, //days
			LocalTime:  true,
		}))
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		TimeKey:     "time",
		FunctionKey: "func",
		EncodeLevel: zapcore.CapitalLevelEncoder,
		EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeName:  zapcore.FullNameEncoder,
		LineEnding:  zapcore.DefaultLineEnding,
	}), zapcore.NewMultiWriteSyncer(writes...), atomicLevel)

	ZapLogger = zap.New(core)
	if firstMsg != "" {
		ZapLogger.Info(firstMsg)
	}
}

// 包内每个数据包路径都用 CanLogXxx, 未启用该级别时几乎无开销
func CanLogLevel(l int, msg string) *zapcore.CheckedEntry {
	return ZapLogger.Check(zapcore.Level(l-1), msg)
}

func canLogLevel(l zapcore.Level, msg string) *zapcore.CheckedEntry {
	return ZapLogger.Check(l, msg)
}

func CanLogErr(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.ErrorLevel, msg)
}

func CanLogInfo(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.InfoLevel, msg)
}

func CanLogWarn(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.WarnLevel, msg)
}

func CanLogDebug(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.DebugLevel, msg)
}

func Info(msg string) {
	ZapLogger.Info(msg)
}

func Warn(msg string) {
	ZapLogger.Warn(msg)
}

func Error(msg string) {
	ZapLogger.Error(msg)
}
