// Command unitsd serves the transaction pipeline over HTTP: submit
// transactions, read receipts and objects, scrape metrics.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net"
	"net/http"

	dbm "github.com/cometbft/cometbft-db"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unitsproto/units"
	"github.com/unitsproto/units/bc"
	"github.com/unitsproto/units/store"
)

func main() {
	ctx := context.Background()

	var (
		addr     = flag.String("addr", "localhost:2423", "server listen address")
		dbfile   = flag.String("db", "units.db", "path to db")
		backend  = flag.String("backend", "sqlite", "storage backend: sqlite, leveldb, or mem")
		confPath = flag.String("config", "", "path to yaml config (defaults apply when empty)")
	)

	flag.Parse()

	cfg := units.DefaultConfig()
	if *confPath != "" {
		var err error
		cfg, err = units.LoadConfig(*confPath)
		if err != nil {
			log.Fatal(err)
		}
	}

	st, err := openStore(*backend, *dbfile, cfg)
	if err != nil {
		log.Fatalf("error opening %s store: %s", *backend, err)
	}

	pipeline, err := units.NewPipeline(cfg, st, nil)
	if err != nil {
		log.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	if err := pipeline.PipelineMetrics().Register(reg); err != nil {
		log.Fatal(err)
	}

	go pipeline.RunFollower(ctx, "logger", func(_ context.Context, rcp *bc.Receipt) error {
		log.Printf("receipt %x at slot %d, ok=%v", rcp.TxHash[:4], rcp.Slot, rcp.Ok())
		return nil
	})

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("listening on %s, signer %x", listener.Addr(), pipeline.SignerPub())

	mux := http.NewServeMux()
	mux.Handle("/", pipeline.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	http.Serve(listener, mux)
}

func openStore(backend, dbfile string, cfg units.Config) (store.Store, error) {
	switch backend {
	case "mem":
		return store.NewMemStore(), nil
	case "leveldb":
		db, err := dbm.NewGoLevelDB("units", dbfile)
		if err != nil {
			return nil, err
		}
		return store.NewKVStore(db, cfg.WireLimits()), nil
	default:
		db, err := sql.Open("sqlite3", dbfile)
		if err != nil {
			return nil, err
		}
		return store.NewSQLStore(db, cfg.WireLimits())
	}
}
