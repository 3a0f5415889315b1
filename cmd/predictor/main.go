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

	"goa.design/clue/log"

	"goa.design/taskq/predictor"
)

func main() {
	var (
		portF    = flag.Int("port", 8000, "HTTP listen port")
		bufferF  = flag.Int("buffer", predictor.DefaultBufferSize, "Training buffer size")
		minRecF  = flag.Int("min-records", predictor.DefaultMinRecords, "Default retrain threshold")
		jitterF  = flag.Bool("jitter", false, "Add noise to duration estimates")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
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

	opts := []predictor.ServiceOption{
		predictor.WithBufferSize(*bufferF),
		predictor.WithMinRecords(*minRecF),
	}
	if *jitterF {
		opts = append(opts, predictor.WithDurationJitter(time.Now().UnixNano()))
	}
	svc := predictor.NewService(opts...)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *portF),
		Handler: log.HTTP(ctx)(svc.Handler()),
	}

	runCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		errc <- svc.Run(runCtx)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "prediction service listening"}, log.KV{K: "addr", V: srv.Addr})
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Print(ctx, log.KV{K: "exiting", V: <-errc})
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}
