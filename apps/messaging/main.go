// Command messaging consumes the fan-out topic and queues notifications for
// participants who were offline when a message arrived.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mahaj/chatcore/pkg/bootstrap"
	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/notify"
	"github.com/mahaj/chatcore/pkg/presence"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default $CHAT_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init(cfg.Log.Level, cfg.Log.Format).With("service", "messaging")

	if err := run(cfg, log); err != nil {
		log.Error("messaging exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if cfg.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	st, closeStore, err := bootstrap.OpenStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb, err := bootstrap.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	reader := notify.NewReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.NotifyGroup)
	w := notify.NewWorker(
		reader,
		st.Conversations,
		presence.NewMirror(rdb, ""),
		notify.NewQueue(rdb, "", cfg.Chat.NotificationCap),
		log,
	)
	defer w.Close()

	log.Info("notifier started", "topic", cfg.Kafka.Topic, "group", cfg.Kafka.NotifyGroup)
	err = w.Run(ctx)
	log.Info("notifier stopped")
	return err
}
