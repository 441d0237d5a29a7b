package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dreamware/tchaka/internal/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "tchaka",
	Short: "An anonymous chat relay that groups people by location",

	Run: func(cmd *cobra.Command, args []string) {
		startRelay()
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := newConfigFlags()
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("tchaka")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func parseLogLevel(logger *zap.Logger, s string) zapcore.Level {
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead", zap.String("logLevel", s))
		return zapcore.InfoLevel
	}
	return level
}

func startRelay() {
	logLevel, logger := getLogger()
	defer func() { _ = logger.Sync() }()

	logger.Info("starting tchaka",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config, err := readConfig(viper.GetViper(), logger)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		os.Exit(1)
	}
	logLevel.SetLevel(parseLogLevel(logger, config.logLevelStr))

	a, err := newApp(config, logger, metrics.Default(), prometheus.DefaultGatherer)
	if err != nil {
		logger.Error("failed to initialize the relay", zap.Error(err))
		os.Exit(1)
	}

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		if cfgFile != "" {
			if err := viper.ReadInConfig(); err != nil {
				logger.Warn("failed to parse configuration file", zap.Error(err))
			}
		}

		newConfig, err := readConfig(viper.GetViper(), logger)
		if err != nil {
			logger.Warn("ignoring invalid configuration", zap.Error(err))
			return
		}

		for _, key := range config.restartRequired(newConfig) {
			logger.Warn("config changes require a restart", zap.String("keys", key))
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newLevel := parseLogLevel(logger, newConfig.logLevelStr)
			logLevel.SetLevel(newLevel)
			logger.Info("updated log level", zap.String("newLevel", newLevel.String()))
		}

		config = newConfig
	}

	if watchCfgFile && cfgFile != "" {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected", zap.String("file", in.Name))
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	listener, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		logger.Error("failed to listen", zap.String("address", a.httpServer.Addr), zap.Error(err))
		os.Exit(1)
	}

	shutdownDone := make(chan struct{})
	var shutdownOnce sync.Once
	beginGracefulShutdown := func() {
		shutdownOnce.Do(func() {
			defer close(shutdownDone)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.shutdown(ctx); err != nil {
				logger.Warn("graceful shutdown incomplete", zap.Error(err))
			}
		})
	}

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		hasReceivedSigInt := false
		for sig := range sigCh {
			switch sig {
			case syscall.SIGINT:
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				}
				logger.Info("Received SIGINT, attempting graceful shutdown...")
				hasReceivedSigInt = true
				go beginGracefulShutdown()
			case syscall.SIGTERM:
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				go beginGracefulShutdown()
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	if err := a.serve(listener); err != nil {
		logger.Error("failed to serve", zap.Error(err))
		os.Exit(1)
	}
	<-shutdownDone

	logger.Info("relay shutdown gracefully")
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
