package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"goa.design/taskq/broker"
	"goa.design/taskq/broker/amqp"
	"goa.design/taskq/config"
	"goa.design/taskq/predict"
	"goa.design/taskq/producer"
	"goa.design/taskq/publish"
	"goa.design/taskq/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	broker.SetupPropagation()

	mq, err := amqp.Dial(amqp.Config{
		Host:     cfg.Broker.Host,
		Port:     cfg.Broker.Port,
		User:     cfg.Broker.User,
		Password: cfg.Broker.Password,
		VHost:    cfg.Broker.VHost,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer mq.Close()
	if err := mq.Declare(ctx); err != nil {
		log.Fatal(ctx, err)
	}

	clientOpts := []predict.ClientOption{
		predict.WithTimeout(cfg.Prediction.Timeout),
		predict.WithHealthWindow(cfg.Prediction.HealthWindow),
	}
	if cfg.Prediction.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Prediction.RedisAddr})
		defer rdb.Close()
		clientOpts = append(clientOpts, predict.WithCache(rdb, cfg.Prediction.CacheTTL))
	}
	client := predict.NewClient(cfg.Prediction.BaseURL, clientOpts...)

	pub := publish.New(mq, client)
	supervisor := producer.NewSupervisor(pub, cfg.Application.AutoSendInterval)
	if cfg.Application.AutoSend {
		if err := supervisor.Start(ctx); err != nil {
			log.Fatal(ctx, err)
		}
	}

	api := producer.NewAPI(pub, supervisor, telemetry.DefaultRegistry())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Application.Port),
		Handler: log.HTTP(ctx)(api.Handler()),
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "producer listening"}, log.KV{K: "addr", V: srv.Addr})
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Print(ctx, log.KV{K: "exiting", V: <-errc})
	supervisor.Stop()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}
