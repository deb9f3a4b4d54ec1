package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appcfg "github.com/park285/pvp-chess-server/internal/config"
	"github.com/park285/pvp-chess-server/internal/heartbeat"
	"github.com/park285/pvp-chess-server/internal/hub"
	"github.com/park285/pvp-chess-server/internal/matchmaking"
	"github.com/park285/pvp-chess-server/internal/msgcat"
	"github.com/park285/pvp-chess-server/internal/obslog"
	"github.com/park285/pvp-chess-server/internal/server"
	"github.com/park285/pvp-chess-server/internal/statestore"
	"github.com/park285/pvp-chess-server/internal/transport"
	"github.com/park285/pvp-chess-server/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		// 로거 초기화 전 실패면 Nop
		obslog.L().Error("server_exit", zap.Error(err))
		log.Fatalf("chess-server: %v", err)
	}
}

func run() error {
	var configPath, addr string
	var origins []string
	flagSet := pflag.NewFlagSet("chess-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "optional YAML config file")
	flagSet.StringVar(&addr, "addr", "", "listen address (overrides LISTEN_ADDR)")
	flagSet.StringSliceVar(&origins, "origin", nil, "allowed websocket origin patterns; empty accepts any origin")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := appcfg.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if a := strings.TrimSpace(addr); a != "" {
		cfg.ListenAddr = a
	}

	logger, err := obslog.Init(cfg.LogOptions())
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := statestore.Open(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	defer func() { _ = store.Close() }()

	msgs, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return fmt.Errorf("messages: %w", err)
	}

	h := hub.New(hub.Config{
		NodeID: cfg.NodeID,
		Match: matchmaking.Config{
			LowMax:     cfg.RatingLowMax,
			HighMin:    cfg.RatingHighMin,
			WidenAfter: cfg.WidenAfter,
		},
		Heartbeat: heartbeat.Config{
			InitialDelay: cfg.HeartbeatDelay,
			Interval:     cfg.HeartbeatInterval,
			Timeout:      cfg.HeartbeatTimeout,
			SendTimeout:  cfg.SendTimeout,
		},
		MatchInterval:  cfg.MatchInterval,
		ReconnectGrace: cfg.ReconnectGrace,
		SendTimeout:    cfg.SendTimeout,
	}, store, msgs, logger)

	reaped, err := h.ReapOrphans(ctx)
	if err != nil {
		return fmt.Errorf("reap orphaned games: %w", err)
	}
	if reaped > 0 {
		logger.Warn("orphans_reaped", zap.Int("games", reaped))
	}

	wsSrv := ws.NewServer(h, logger.Named("ws"), ws.Options{
		OriginPatterns:     origins,
		InsecureSkipVerify: len(origins) == 0,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.NewRouter(h, wsSrv, store, cfg.NodeID, logger.Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("server_start",
		zap.String("addr", cfg.ListenAddr),
		zap.Duration("reconnect_grace", cfg.ReconnectGrace),
		zap.Duration("heartbeat_timeout", cfg.HeartbeatTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx) })
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// 웹소켓은 Shutdown이 기다리지 않으므로 열린 연결을 직접 닫는다
		for _, c := range h.Registry().OpenConns() {
			_ = c.Close(transport.StatusGoingAway, "server shutdown")
		}
		return httpSrv.Shutdown(sctx)
	})

	err = g.Wait()
	logger.Info("server_stop", zap.Error(err))
	return err
}
