package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mahaj/chatcore/pkg/api"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/bootstrap"
	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/fanout"
	"github.com/mahaj/chatcore/pkg/gateway"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/notify"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/room"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default $CHAT_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init(cfg.Log.Level, cfg.Log.Format).With("service", "gateway")

	if err := run(cfg, log); err != nil {
		log.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := bootstrap.SignalContext()
	defer stop()

	m := metrics.New()

	st, closeStore, err := bootstrap.OpenStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	rooms := room.NewMembership()
	local := fanout.NewLocal(rooms)
	var emitter fanout.Emitter = local
	if len(cfg.Kafka.Brokers) > 0 {
		bus, err := fanout.NewKafka(fanout.KafkaConfig{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			GroupPrefix: cfg.Kafka.GroupPrefix,
		}, local, m, log)
		if err != nil {
			return err
		}
		defer bus.Close()
		go func() {
			if err := bus.Run(ctx); err != nil {
				log.Error("fanout consumer stopped", "error", err)
			}
		}()
		emitter = bus
		log.Info("kafka fan-out enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	rdb, err := bootstrap.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	var (
		mirror *presence.Mirror
		notes  api.Notifications
	)
	if rdb != nil {
		defer rdb.Close()
		mirror = presence.NewMirror(rdb, "")
		if err := mirror.Reset(ctx); err != nil {
			log.Warn("failed to reset presence mirror", "error", err)
		}
		notes = notify.NewQueue(rdb, "", cfg.Chat.NotificationCap)
	}

	issuer, err := auth.NewTokenIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	svc, err := bootstrap.NewChat(cfg, st, emitter, m, log)
	if err != nil {
		return err
	}

	hub, err := gateway.NewHub(gateway.Deps{
		Chat:     svc,
		Resolver: issuer,
		Rooms:    rooms,
		Registry: presence.NewRegistry(),
		Mirror:   mirror,
		Emitter:  emitter,
		Metrics:  m,
		Logger:   log,
		Config: gateway.Config{
			MaxMessageSize: cfg.Gateway.MaxMessageSize,
			SendBuffer:     cfg.Gateway.SendBuffer,
			EventsPerSec:   cfg.Gateway.EventsPerSec,
			EventBurst:     cfg.Gateway.EventBurst,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
	})
	if err != nil {
		return err
	}

	apiDeps := api.Deps{
		Chat:          svc,
		Resolver:      issuer,
		Presence:      hub.View(),
		Notifications: notes,
		Metrics:       m,
		Logger:        log,
		Config: api.Config{
			AllowedOrigins:    cfg.Server.AllowedOrigins,
			RequestsPerMinute: cfg.Server.RequestsPerMinute,
		},
	}
	if cfg.Auth.DevLogin {
		log.Warn("development login enabled on POST /login")
		apiDeps.Issuer = issuer
	}
	srv, err := api.NewServer(apiDeps)
	if err != nil {
		return err
	}
	srv.Router().HandleFunc("/ws", hub.ServeWs)

	return bootstrap.Serve(ctx, bootstrap.HTTPServer(cfg.Server, srv), cfg.Server.ShutdownTimeout, log, func() {
		hub.Shutdown()
		waitDrained(hub, cfg.Server.ShutdownTimeout)
	})
}

// waitDrained gives closing connections time to run their disconnect path
// before the bus and the store go away.
func waitDrained(hub *gateway.Hub, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for hub.Connections() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
