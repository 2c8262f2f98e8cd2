// control-monitor polls a remote control plane for change groups, records
// every change in an embedded store and serves control, query and
// statistics operations over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"control-monitor/internal/collector"
	"control-monitor/internal/config"
	"control-monitor/internal/httpapi"
	"control-monitor/internal/logging"
	"control-monitor/pkg/controlmonitor"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		listen     string
		logLevel   string
		logFormat  string
		groups     []string
	)
	flagSet := pflag.NewFlagSet("control-monitor", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML or TOML config file")
	flagSet.StringVar(&listen, "listen", "", "HTTP listen address (overrides http.listen)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides logging.level)")
	flagSet.StringVar(&logFormat, "log-format", "", "text or json (overrides logging.format)")
	flagSet.StringArrayVar(&groups, "group", nil, "change group to create at startup, as id:control[,control...][@seconds] (repeatable)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return errors.Trace(err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return errors.Trace(err)
	}
	if listen != "" {
		cfg.HTTP.Listen = listen
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return errors.Annotate(err, "invalid configuration")
	}

	logger, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return errors.Trace(err)
	}
	if !cfg.Modbus.Enabled {
		return errors.NotValidf("no control plane configured: enable the modbus section")
	}
	reader, err := collector.NewReader(cfg.Modbus, logger)
	if err != nil {
		return errors.Annotate(err, "modbus reader")
	}
	defer reader.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	client, err := controlmonitor.New(cfg, controlmonitor.Options{
		Reader:     reader,
		Registerer: registry,
		Logger:     logger,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}()

	for _, arg := range groups {
		if err := startGroup(client, arg, logger); err != nil {
			return errors.Annotatef(err, "--group %q", arg)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           httpapi.New(client, registry, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(ctx) })
	g.Go(func() error {
		logger.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Annotate(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	logger.Info("stopped")
	return err
}

func startGroup(client *controlmonitor.Client, arg string, logger *slog.Logger) error {
	gs, err := parseGroup(arg)
	if err != nil {
		return err
	}
	if err := client.CreateGroup(gs.id); err != nil {
		return err
	}
	res, err := client.AddControls(gs.id, gs.controls...)
	if err != nil {
		return err
	}
	for _, r := range res.Rejected {
		logger.Warn("control rejected", "group", gs.id, "control", r.Ref, "reason", r.Reason)
	}
	if gs.rate > 0 {
		applied, err := client.AutoPoll(gs.id, gs.rate)
		if err != nil {
			return err
		}
		logger.Info("auto polling", "group", gs.id, "interval", applied)
	}
	return nil
}
