package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/SvanteTE23/pixles/pixles"
)

const PixlesVersion = "0.1.0"

func main() {
	usage := `Pixles canvas server.

Usage:
    pixlesd run [--port=<port>] [--db=<db>]
        [--admin_secret=<admin_secret>]
        [--token_secret=<token_secret>]
        [--grid_size=<grid_size>]
        [-v...]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    -p --port=<port>               Listen port [default: 8080].
    --db=<db>                      SQLite database path [default: pixles.db].
    --admin_secret=<admin_secret>  Admin shared secret. Admin actions are disabled when unset.
    --token_secret=<token_secret>  Visitor token signing secret. Ephemeral when unset.
    --grid_size=<grid_size>        Canvas dimension [default: 1000].
    -v                             Increase log verbosity.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PixlesVersion)
	if err != nil {
		panic(err)
	}

	vCount, _ := opts.Int("-v")
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", fmt.Sprintf("%d", vCount))
	flag.Parse()

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func run(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	gridSize, _ := opts.Int("--grid_size")
	dbPath, _ := opts.String("--db")
	adminSecret := optString(opts, "--admin_secret")

	tokenSecret := optString(opts, "--token_secret")
	if tokenSecret == "" {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			panic(err)
		}
		tokenSecret = hex.EncodeToString(secretBytes)
		glog.Warningf("[pixlesd]no token secret configured, visitor tokens will not survive a restart\n")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gridSettings := pixles.DefaultGridStoreSettings()
	gridSettings.Size = gridSize
	grid := pixles.NewGridStore(gridSettings)
	ledger := pixles.NewLedgerStoreWithDefaults()
	registry := pixles.NewSessionRegistry()
	engine := pixles.NewEngineWithDefaults(cancelCtx, grid, ledger, registry)

	// canvas availability wins over durability: any persistence failure
	// degrades to in-memory-only with a loud warning
	var saver *pixles.Saver
	store, err := pixles.OpenStore(dbPath)
	if err != nil {
		glog.Warningf("[pixlesd]persistence disabled, serving in-memory only = %s\n", err)
	} else {
		defer store.Close()

		if snapshot, err := store.LoadGrid(gridSize); err != nil {
			glog.Warningf("[pixlesd]grid load error, starting empty = %s\n", err)
		} else {
			grid.Restore(snapshot)
			glog.Infof("[pixlesd]loaded %d cells\n", len(snapshot.Cells))
		}
		if entries, err := store.LoadLedger(); err != nil {
			glog.Warningf("[pixlesd]ledger load error, starting empty = %s\n", err)
		} else {
			ledger.Restore(entries)
			glog.Infof("[pixlesd]loaded %d ledger entries\n", len(entries))
		}

		saver = pixles.NewSaverWithDefaults(cancelCtx, store, engine)
		ledger.SetPersistence(saver.CreateLedgerEntry, saver.MarkLedgerDirty)
		engine.SetPersistence(saver.MarkGridDirty, saver.SaveGridNow)
		go saver.Run()
	}

	go ledger.RunRefill(cancelCtx)

	tokens := pixles.NewTokenAuthorityWithDefaults([]byte(tokenSecret))
	defer tokens.Close()

	wsServer := pixles.NewWsServerWithDefaults(engine, tokens)
	api := pixles.NewApi(engine, ledger, tokens, adminSecret)

	router := api.Router()
	router.Handle("/ws", wsServer)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}
	go func() {
		defer cancel()
		glog.Infof("[pixlesd]%s serving on *:%d\n", PixlesVersion, port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Errorf("[pixlesd]serve error = %s\n", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		glog.Infof("[pixlesd]shutdown signal\n")
	case <-cancelCtx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	if saver != nil {
		saver.ForceSave()
	}
}

func optString(opts docopt.Opts, key string) string {
	if value := opts[key]; value != nil {
		return value.(string)
	}
	return ""
}
