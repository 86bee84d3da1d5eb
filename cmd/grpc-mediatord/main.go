package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mickamy/grpc-mediator/broker"
	"github.com/mickamy/grpc-mediator/config"
	"github.com/mickamy/grpc-mediator/history"
	"github.com/mickamy/grpc-mediator/proxy"
	"github.com/mickamy/grpc-mediator/schema"
	"github.com/mickamy/grpc-mediator/server"
	"github.com/mickamy/grpc-mediator/timeline"
	"github.com/mickamy/grpc-mediator/web"
)

var version = "dev"

// pruneEvery is the number of archived calls between history prunes.
const pruneEvery = 100

type options struct {
	configPath  string
	httpAddr    string
	historyPath string
	historyKeep int
	capacity    int
	debug       bool
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "grpc-mediator.yaml"
	}
	return filepath.Join(dir, "grpc-mediator", "config.yaml")
}

func main() {
	fs := flag.NewFlagSet("grpc-mediatord", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "grpc-mediatord - intercepting gRPC mediator daemon\n\nUsage:\n  grpc-mediatord [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}

	var opts options
	fs.StringVar(&opts.configPath, "config", defaultConfigPath(), "configuration file (.yaml, .yml or .json)")
	fs.StringVar(&opts.httpAddr, "http", "", "HTTP API address (e.g. :8080)")
	fs.StringVar(&opts.historyPath, "history", "", "SQLite file archiving closed calls")
	fs.IntVar(&opts.historyKeep, "history-keep", 10000, "number of archived calls to keep")
	fs.IntVar(&opts.capacity, "capacity", timeline.DefaultCapacity, "number of calls kept in memory")
	fs.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	showVersion := fs.Bool("version", false, "show version and exit")

	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("grpc-mediatord %s\n", version)
		return
	}

	if err := run(opts); err != nil {
		log.Fatal(err)
	}
}

func run(opts options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := config.Open(opts.configPath, config.WithLogger(logger))
	if err != nil {
		return err
	}
	cfg := store.Config()

	var hist *history.Store
	if opts.historyPath != "" {
		hist, err = history.Open(opts.historyPath)
		if err != nil {
			return err
		}
		defer func() { _ = hist.Close() }()
	}

	b := broker.New[timeline.Change](256)
	closed := make(chan *timeline.Timeline, 256)
	recOpts := []timeline.RecorderOption{
		timeline.WithCapacity(opts.capacity),
		timeline.WithBroker(b),
	}
	if hist != nil {
		recOpts = append(recOpts, timeline.WithOnClose(func(tl *timeline.Timeline) {
			select {
			case closed <- tl:
			default:
				logger.Warn("history backlog full, call not archived", "call", tl.ID())
			}
		}))
	}
	rec := timeline.NewRecorder(recOpts...)
	res := schema.NewResolver(schema.WithLogger(logger))

	proxyAddr := fmt.Sprintf(":%d", cfg.ProxyPort)
	p := proxy.New(proxyAddr, store, rec, res, proxy.WithLogger(logger))

	var lc net.ListenConfig
	grpcAddr := fmt.Sprintf(":%d", cfg.GrpcPort)
	grpcLis, err := lc.Listen(ctx, "tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", grpcAddr, err)
	}
	srv := server.New(rec, b, store, p)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("proxy listening on %s", proxyAddr)
		return p.ListenAndServe(ctx)
	})

	g.Go(func() error {
		log.Printf("gRPC server listening on %s", grpcAddr)
		return srv.Serve(grpcLis)
	})
	g.Go(func() error {
		<-ctx.Done()
		srv.GracefulStop()
		return nil
	})

	// HTTP server (optional)
	if opts.httpAddr != "" {
		httpLis, err := lc.Listen(ctx, "tcp", opts.httpAddr)
		if err != nil {
			return fmt.Errorf("listen http %s: %w", opts.httpAddr, err)
		}
		var webOpts []web.Option
		if hist != nil {
			webOpts = append(webOpts, web.WithHistory(hist))
		}
		webSrv := web.New(rec, b, store, p, webOpts...)
		g.Go(func() error {
			log.Printf("HTTP server listening on %s", opts.httpAddr)
			return webSrv.Serve(httpLis)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return webSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		watchConfig(ctx, store, res, cfg)
		return nil
	})

	if hist != nil {
		g.Go(func() error {
			archive(ctx, hist, closed, p.Reference, opts.historyKeep, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("grpc-mediatord: %w", err)
	}
	return nil
}

// watchConfig drops cached schemas whenever the rules change, so sources
// are resolved again under the new configuration.
func watchConfig(ctx context.Context, store *config.Store, res *schema.Resolver, initial config.Config) {
	changes, unsub := store.Subscribe()
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-changes:
			res.Reset()
			if cfg.ProxyPort != initial.ProxyPort || cfg.GrpcPort != initial.GrpcPort {
				log.Printf("port changes take effect after restart (proxy %d, grpc %d)", cfg.ProxyPort, cfg.GrpcPort)
			}
		}
	}
}

func archive(
	ctx context.Context,
	hist *history.Store,
	closed <-chan *timeline.Timeline,
	lookup func(authority string) *schema.Reference,
	keep int,
	logger *slog.Logger,
) {
	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case tl := <-closed:
			if err := hist.Archive(ctx, tl, lookup); err != nil {
				logger.Warn("archive call", "call", tl.ID(), "error", err)
				continue
			}
			n++
			if keep > 0 && n%pruneEvery == 0 {
				if _, err := hist.Prune(ctx, keep); err != nil {
					logger.Warn("prune history", "error", err)
				}
			}
		}
	}
}
