// Command api serves the REST surface without websocket connections. Live
// delivery goes through the Kafka bus to the gateways; presence is read from
// the Redis mirror they maintain.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mahaj/chatcore/pkg/api"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/bootstrap"
	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/fanout"
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
	log := logger.Init(cfg.Log.Level, cfg.Log.Format).With("service", "api")

	if err := run(cfg, log); err != nil {
		log.Error("api exited", "error", err)
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

	var emitter fanout.Emitter
	if len(cfg.Kafka.Brokers) > 0 {
		bus, err := fanout.NewKafka(fanout.KafkaConfig{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			PublishOnly: true,
		}, nil, m, log)
		if err != nil {
			return err
		}
		defer bus.Close()
		emitter = bus
	} else {
		log.Warn("no kafka brokers configured, messages sent here reach no live connection")
		emitter = fanout.NewLocal(room.NewMembership())
	}

	rdb, err := bootstrap.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	var (
		view  presence.View
		notes api.Notifications
	)
	if rdb != nil {
		defer rdb.Close()
		view = presence.NewMirror(rdb, "")
		notes = notify.NewQueue(rdb, "", cfg.Chat.NotificationCap)
	} else {
		log.Warn("no redis configured, every user reads as offline")
		view = presence.LocalView{Registry: presence.NewRegistry()}
	}

	issuer, err := auth.NewTokenIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	svc, err := bootstrap.NewChat(cfg, st, emitter, m, log)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Chat:          svc,
		Resolver:      issuer,
		Presence:      view,
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
		deps.Issuer = issuer
	}
	srv, err := api.NewServer(deps)
	if err != nil {
		return err
	}
	return bootstrap.Serve(ctx, bootstrap.HTTPServer(cfg.Server, srv), cfg.Server.ShutdownTimeout, log, nil)
}
