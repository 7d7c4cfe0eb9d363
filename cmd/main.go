package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"netplay-natt/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// 版本信息，通过编译时注入
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	configFile string
	logLevel   string
)

// goroutineHook 调试时记录协程数量
type goroutineHook struct{}

// Levels 返回支持的日志级别
func (h *goroutineHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.DebugLevel, logrus.TraceLevel}
}

// Fire 处理日志事件
func (h *goroutineHook) Fire(entry *logrus.Entry) error {
	entry.Data["goroutines"] = runtime.NumGoroutine()
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "natt",
		Short:         "联机主机NAT穿透工具",
		Long:          "通过UPnP或NAT-PMP为联机主机打开端口映射，失败时使用TURN中继",
		Version:       fmt.Sprintf("%s (提交: %s, 构建时间: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (debug, info, warn, error)")

	rootCmd.AddCommand(newOpenCmd(), newProbeCmd(), newDevicesCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

// setup 加载配置并创建日志器
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置文件失败: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别: %s", cfg.Level)
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// 使用结构化日志格式
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	if level >= logrus.DebugLevel {
		logger.AddHook(&goroutineHook{})
	}

	// 同时输出到控制台和文件
	if cfg.File != "" {
		logFile, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("无法创建日志文件: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, logFile))
	} else {
		logger.SetOutput(os.Stderr)
	}

	return logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("natt %s\n", version)
			fmt.Printf("提交: %s\n", commit)
			fmt.Printf("构建时间: %s\n", date)
		},
	}
}
