package main

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dreamware/tchaka/internal/broadcast"
	"github.com/dreamware/tchaka/internal/directory"
	"github.com/dreamware/tchaka/internal/retention"
	"github.com/dreamware/tchaka/internal/wsgate"
)

func newConfigFlags() *pflag.FlagSet {
	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("port", 8080, "the http/websocket port")
	configFlags.Float64("threshold-km", directory.DefaultThresholdKm, "the distance that links two participants into one group")
	configFlags.Int("max-text-chars", broadcast.DefaultMaxTextChars, "relayed messages are cut to this many characters")
	configFlags.Int("max-quote-chars", broadcast.DefaultMaxQuoteChars, "each quoted line is cut to this many characters")
	configFlags.Int("send-concurrency", broadcast.DefaultConcurrency, "the maximum in-flight sends per fan-out")
	configFlags.Duration("purge-settle", retention.DefaultSettleDelay, "the wait before a purge starts deleting")
	configFlags.Duration("purge-pause", retention.DefaultPause, "the wait between two deletions")
	configFlags.Int("purge-max-not-found", retention.DefaultMaxNotFound, "consecutive missing messages that end a purge")
	configFlags.Int("purge-lookback", retention.DefaultLookback, "ids before the stop command to try when a chat has no history")
	configFlags.String("join-scope", string(broadcast.ScopeCluster), "who is told about a new participant (cluster or global)")
	configFlags.Duration("keepalive-interval", wsgate.DefaultKeepaliveInterval, "how often open chats are pinged")
	configFlags.Int("keepalive-max-failures", wsgate.DefaultKeepaliveFailures, "missed pings before a chat is dropped")
	return configFlags
}

type config struct {
	logLevelStr      string
	bindAddress      string
	port             int
	thresholdKm      float64
	maxTextChars     int
	maxQuoteChars    int
	sendConcurrency  int
	purgeSettle      time.Duration
	purgePause       time.Duration
	purgeMaxNotFound int
	purgeLookback    int
	joinScope        broadcast.Scope
	keepalive        time.Duration
	keepaliveFails   int
}

func readConfig(v *viper.Viper, logger *zap.Logger) (*config, error) {
	scope, err := broadcast.ParseScope(v.GetString("join-scope"))
	if err != nil {
		return nil, errors.Wrap(err, "join-scope")
	}

	config := &config{
		logLevelStr:      v.GetString("log-level"),
		bindAddress:      v.GetString("bind-address"),
		port:             v.GetInt("port"),
		thresholdKm:      v.GetFloat64("threshold-km"),
		maxTextChars:     v.GetInt("max-text-chars"),
		maxQuoteChars:    v.GetInt("max-quote-chars"),
		sendConcurrency:  v.GetInt("send-concurrency"),
		purgeSettle:      v.GetDuration("purge-settle"),
		purgePause:       v.GetDuration("purge-pause"),
		purgeMaxNotFound: v.GetInt("purge-max-not-found"),
		purgeLookback:    v.GetInt("purge-lookback"),
		joinScope:        scope,
		keepalive:        v.GetDuration("keepalive-interval"),
		keepaliveFails:   v.GetInt("keepalive-max-failures"),
	}

	if math.IsNaN(config.thresholdKm) || math.IsInf(config.thresholdKm, 0) || config.thresholdKm <= 0 {
		return nil, errors.Errorf("threshold-km must be a positive finite number, got %v", config.thresholdKm)
	}
	if config.port < 0 || config.port > 65535 {
		return nil, errors.Errorf("port %d out of range", config.port)
	}

	logger.Info("parsed relay configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("port", config.port),
		zap.Float64("thresholdKm", config.thresholdKm),
		zap.Int("maxTextChars", config.maxTextChars),
		zap.Int("maxQuoteChars", config.maxQuoteChars),
		zap.Int("sendConcurrency", config.sendConcurrency),
		zap.Duration("purgeSettle", config.purgeSettle),
		zap.Duration("purgePause", config.purgePause),
		zap.Int("purgeMaxNotFound", config.purgeMaxNotFound),
		zap.Int("purgeLookback", config.purgeLookback),
		zap.String("joinScope", string(config.joinScope)),
		zap.Duration("keepalive", config.keepalive),
		zap.Int("keepaliveFails", config.keepaliveFails))

	return config, nil
}

// restartRequired lists the keys whose change only takes effect on restart.
func (c *config) restartRequired(next *config) []string {
	var keys []string
	if next.bindAddress != c.bindAddress || next.port != c.port {
		keys = append(keys, "bind-address/port")
	}
	if next.thresholdKm != c.thresholdKm {
		keys = append(keys, "threshold-km")
	}
	if next.maxTextChars != c.maxTextChars || next.maxQuoteChars != c.maxQuoteChars ||
		next.sendConcurrency != c.sendConcurrency || next.joinScope != c.joinScope {
		keys = append(keys, "broadcast settings")
	}
	if next.purgeSettle != c.purgeSettle || next.purgePause != c.purgePause ||
		next.purgeMaxNotFound != c.purgeMaxNotFound || next.purgeLookback != c.purgeLookback {
		keys = append(keys, "purge settings")
	}
	if next.keepalive != c.keepalive || next.keepaliveFails != c.keepaliveFails {
		keys = append(keys, "keepalive settings")
	}
	return keys
}
