package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/tchaka/internal/broadcast"
	"github.com/dreamware/tchaka/internal/directory"
	"github.com/dreamware/tchaka/internal/metrics"
	"github.com/dreamware/tchaka/internal/relay"
	"github.com/dreamware/tchaka/internal/retention"
	"github.com/dreamware/tchaka/internal/webapi"
	"github.com/dreamware/tchaka/internal/wsgate"
)

// app is the wired relay process.
type app struct {
	logger        *zap.Logger
	hub           *wsgate.Hub
	keepalive     *wsgate.Keepalive
	runKeepalive  func()
	stopKeepalive context.CancelFunc
	service       *relay.Service
	httpServer    *http.Server
}

func newApp(cfg *config, logger *zap.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) (*app, error) {
	hub := wsgate.New(wsgate.Options{
		Logger:  logger.Named("wsgate"),
		Metrics: m,
	})

	service, err := relay.New(relay.Options{
		Transport: hub,
		Directory: directory.New(directory.Options{
			Logger:      logger.Named("directory"),
			Metrics:     m,
			ThresholdKm: cfg.thresholdKm,
		}),
		Logger:  logger.Named("relay"),
		Metrics: m,
		Broadcast: broadcast.Options{
			MaxTextChars:  cfg.maxTextChars,
			MaxQuoteChars: cfg.maxQuoteChars,
			Concurrency:   cfg.sendConcurrency,
			JoinScope:     cfg.joinScope,
		},
		Purge: retention.Options{
			SettleDelay: cfg.purgeSettle,
			Pause:       cfg.purgePause,
			MaxNotFound: cfg.purgeMaxNotFound,
			Lookback:    cfg.purgeLookback,
		},
	})
	if err != nil {
		return nil, err
	}

	router := webapi.NewRouter(webapi.Options{
		Logger:      logger.Named("webapi"),
		Gateway:     hub.Handler(service),
		Stats:       service,
		Connections: hub.Len,
		Gatherer:    gatherer,
	})

	keepalive := wsgate.NewKeepalive(hub, wsgate.KeepaliveOptions{
		Logger:      logger.Named("keepalive"),
		Interval:    cfg.keepalive,
		MaxFailures: cfg.keepaliveFails,
	})
	keepaliveCtx, stopKeepalive := context.WithCancel(context.Background())

	return &app{
		logger:        logger,
		hub:           hub,
		keepalive:     keepalive,
		runKeepalive:  func() { keepalive.Run(keepaliveCtx) },
		stopKeepalive: stopKeepalive,
		service:       service,
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.bindAddress, fmt.Sprint(cfg.port)),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// serve listens until the server is shut down.
func (a *app) serve(l net.Listener) error {
	go a.runKeepalive()

	a.logger.Info("relay listening", zap.String("address", l.Addr().String()))
	if err := a.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// shutdown stops accepting requests and closes every chat.
func (a *app) shutdown(ctx context.Context) error {
	err := a.httpServer.Shutdown(ctx)
	a.stopKeepalive()
	a.hub.Close()
	return err
}
