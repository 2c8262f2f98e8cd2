// monitorctl works on an event store while the daemon is stopped: it takes
// and restores backups, exports and imports events, prints statistics and
// verifies integrity.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/spf13/pflag"

	"control-monitor/internal/config"
	"control-monitor/internal/logging"
	"control-monitor/internal/monitor"
)

const usage = `Usage: monitorctl [flags] <command> [args]

Commands:
  stats                 print store statistics
  backup                write a snapshot into the backup directory
  list                  list snapshots, newest first
  restore <file>        replace the store content with a snapshot
  export <path>         write every event to path (.json or .cbor)
  import <path>         append the events of an exported document
  verify                check the store and remove invalid rows
  retention <days>      change the retention window and sweep

Flags:
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var (
		configPath string
		dbPath     string
		verbose    bool
	)
	flagSet := pflag.NewFlagSet("monitorctl", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML or TOML config file")
	flagSet.StringVar(&dbPath, "db", "", "event store path (overrides monitoring.db_path)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
	flagSet.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return errors.BadRequestf("missing command")
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
	if dbPath != "" {
		cfg.Monitoring.DBPath = dbPath
	}
	cfg.Monitoring.Enabled = true

	logger := logging.Discard()
	if verbose {
		var err error
		if logger, err = logging.New(os.Stderr, "debug", "text"); err != nil {
			return errors.Trace(err)
		}
	}
	m, err := monitor.New(cfg, monitor.Options{Logger: logger})
	if err != nil {
		return errors.Trace(err)
	}
	defer m.Close()

	ctx := context.Background()
	cmd, cmdArgs := rest[0], rest[1:]
	need := func(n int) error {
		if len(cmdArgs) != n {
			return errors.BadRequestf("%s takes %d argument(s)", cmd, n)
		}
		return nil
	}

	switch cmd {
	case "stats":
		return printJSON(out, m.Statistics(ctx))
	case "backup":
		rec, err := m.PerformBackup(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (%s)\n", rec.Path, humanize.IBytes(uint64(rec.Size)))
		return nil
	case "list":
		list, err := m.ListBackups()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FILE\tCREATED\tSIZE\tCHECKSUM")
		for _, b := range list {
			sum := "-"
			if len(b.Checksum) >= 12 {
				sum = b.Checksum[:12]
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.Filename, b.CreatedAt.Format(time.RFC3339), humanize.IBytes(uint64(b.Size)), sum)
		}
		return tw.Flush()
	case "restore":
		if err := need(1); err != nil {
			return err
		}
		if err := m.RestoreFromBackup(ctx, cmdArgs[0]); err != nil {
			return err
		}
		return printJSON(out, m.Statistics(ctx))
	case "export", "import":
		if err := need(1); err != nil {
			return err
		}
		op := m.ExportData
		if cmd == "import" {
			op = m.ImportData
		}
		n, err := op(ctx, cmdArgs[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%sed %d events\n", cmd, n)
		return nil
	case "verify":
		report, err := m.VerifyIntegrity(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, report)
	case "retention":
		if err := need(1); err != nil {
			return err
		}
		days, err := strconv.Atoi(cmdArgs[0])
		if err != nil {
			return errors.NotValidf("days %q", cmdArgs[0])
		}
		if err := m.SetRetentionDays(ctx, days); err != nil {
			return err
		}
		n, err := m.SweepRetention(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "retention %d days, %d events removed\n", days, n)
		return nil
	default:
		return errors.BadRequestf("unknown command %q", cmd)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
