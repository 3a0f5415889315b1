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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/log"

	"goa.design/taskq/broker"
	"goa.design/taskq/broker/amqp"
	"goa.design/taskq/config"
	"goa.design/taskq/consume"
	"goa.design/taskq/predict"
	"goa.design/taskq/task"
	"goa.design/taskq/telemetry"
	"goa.design/taskq/training"
)

func main() {
	var (
		configF      = flag.String("config", "", "Path to YAML configuration file")
		metricsPortF = flag.Int("metrics-port", 9091, "Metrics listen port")
		dbgF         = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
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

	client := predict.NewClient(cfg.Prediction.BaseURL,
		predict.WithTimeout(cfg.Prediction.Timeout),
		predict.WithHealthWindow(cfg.Prediction.HealthWindow),
	)
	reporter := training.NewReporter(client)

	pool := consume.NewPool(mq,
		consume.WithPolicies(policyOverrides(cfg.Consumer)),
		consume.WithReporter(reporter),
	)
	registerHandlers(pool)

	mux := http.NewServeMux()
	mux.Handle(cfg.Exporter.MetricsPath, promhttp.HandlerFor(telemetry.DefaultRegistry(), promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", *metricsPortF), Handler: mux}

	runCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "consumer pool starting"})
		errc <- pool.Run(runCtx)
	}()

	log.Print(ctx, log.KV{K: "exiting", V: <-errc})
	cancel()
	reporter.Wait()
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}

// policyOverrides converts the configuration section into pool policies.
func policyOverrides(cfg config.Consumer) map[task.Destination]consume.Policy {
	overrides := make(map[task.Destination]consume.Policy, len(cfg.Destinations))
	for name, d := range cfg.Destinations {
		overrides[task.Destination(name)] = consume.Policy{
			Concurrency: d.Concurrency,
			Prefetch:    d.Prefetch,
			MaxRetries:  d.MaxRetries,
			RetryDelay:  d.RetryDelay,
		}
	}
	return overrides
}
