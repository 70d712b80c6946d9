package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"pagedb/common"
	"pagedb/db"
	"pagedb/telemetry"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "yaml config file, defaults are used when empty")
	tablePath  = flag.String("table", "", "heap file of the table, created when missing")
	schema     = flag.String("schema", "", "columns of the table as name:type pairs, e.g. id:int,name:string")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: pagedb -table FILE -schema COLUMNS [-config FILE] COMMAND

commands:
  create              create the heap file if it does not exist
  insert V1,V2,...    insert one tuple
  delete PAGE SLOT    delete the tuple at the record id
  scan                print every tuple
  inspect             print slot usage per page
  shell               read commands interactively

flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 || *tablePath == "" {
		flag.Usage()
		return errBadCommand
	}

	cfg := common.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = common.LoadConfig(*configPath); err != nil {
			return err
		}
	}

	logger, err := common.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	desc, err := parseSchema(*schema)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	d, err := db.Open(cfg, logger, reg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	tableID, _, err := d.CreateTable("", desc, *tablePath)
	if err != nil {
		return errors.Join(err, d.Close(ctx))
	}

	s := newSession(d, tableID, os.Stdout)
	switch args[0] {
	case "create":
		fmt.Fprintf(s.out, "table %d ready\n", tableID)
	case "shell":
		err = s.shell(ctx)
	default:
		err = s.exec(ctx, strings.Join(args, " "))
	}

	return errors.Join(err, d.Close(context.Background()))
}

func serveMetrics(addr string, g prometheus.Gatherer, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return srv
}
