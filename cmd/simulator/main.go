// simulator serves the controls of a control-monitor config from an
// in-process Modbus TCP device. Values come from a CSV file (one column per
// control, one row per step) or, without one, from a slow waveform.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/pflag"

	"control-monitor/internal/collector"
	"control-monitor/internal/config"
	"control-monitor/internal/logging"
	"control-monitor/internal/modbus"
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
		csvPath    string
		listen     string
		interval   time.Duration
		logLevel   string
	)
	flagSet := pflag.NewFlagSet("simulator", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "config.yaml", "control-monitor config whose modbus section describes the device")
	flagSet.StringVar(&csvPath, "csv", "", "CSV file with one column per control")
	flagSet.StringVar(&listen, "listen", "", "listen address (default: modbus.connection host:port)")
	flagSet.DurationVar(&interval, "interval", time.Second, "time between value updates")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if interval <= 0 {
		return errors.NotValidf("interval %s", interval)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Annotate(err, "load config")
	}
	cfg.Modbus.Enabled = true
	if err := cfg.Modbus.Validate(); err != nil {
		return errors.Annotate(err, "modbus section")
	}
	logger, err := logging.New(os.Stderr, logLevel, "text")
	if err != nil {
		return errors.Trace(err)
	}
	if listen == "" {
		listen = net.JoinHostPort(cfg.Modbus.Connection.Host, strconv.Itoa(cfg.Modbus.Connection.Port))
	}

	var src source = wave{}
	if csvPath != "" {
		rows, err := loadCSV(csvPath)
		if err != nil {
			return errors.Annotate(err, "load csv")
		}
		src = rows
	}

	server := modbus.NewServer(logger)
	if err := server.Listen(listen); err != nil {
		return errors.Trace(err)
	}
	defer server.Close()

	sim := &simulator{server: server, points: cfg.Modbus.Points, source: src, logger: logger}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info("modbus simulator listening", "addr", server.Addr(), "controls", len(sim.points))
	sim.Run(ctx, interval)
	logger.Info("shutting down simulator", "requests", server.Requests())
	return nil
}

type simulator struct {
	server *modbus.Server
	points []collector.Point
	source source
	logger *slog.Logger
	step   int
}

func (s *simulator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.apply()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.step++
			s.apply()
		}
	}
}

func (s *simulator) apply() {
	for _, p := range s.points {
		v, ok := s.source.Value(p, s.step)
		if !ok {
			continue
		}
		if err := write(s.server, p, v); err != nil {
			s.logger.Warn("set control", "control", p.Control, "err", err)
		}
	}
}

// write stores v in the register or bit p maps to.
func write(server *modbus.Server, p collector.Point, v float64) error {
	if p.IsBit() {
		table := modbus.Coil
		if p.RegisterType == "discrete" {
			table = modbus.Discrete
		}
		return server.SetBit(table, p.Address, v != 0)
	}
	words, err := collector.Encode(p, v)
	if err != nil {
		return err
	}
	return server.SetRegisters(modbus.Table(p.RegisterType), p.Address, words...)
}
