package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/0xc0d3d00d/portfoliodb/internal/account"
	"github.com/0xc0d3d00d/portfoliodb/internal/config"
	"github.com/0xc0d3d00d/portfoliodb/internal/exchange/sim"
	"github.com/0xc0d3d00d/portfoliodb/internal/market"
	"github.com/0xc0d3d00d/portfoliodb/internal/ops"
	"github.com/0xc0d3d00d/portfoliodb/internal/storage"
	"github.com/0xc0d3d00d/portfoliodb/internal/subscription"
	"github.com/0xc0d3d00d/portfoliodb/internal/ticker"
)

const writeSpacing = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// set global logger with custom options
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.DateTime,
		}),
	))

	env := config.Env{}
	err := config.LoadEnv(&env)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load environment", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(env.ConfigFile)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewStore(afero.NewOsFs(), env.DataDir)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create storage", "error", err)
		os.Exit(1)
	}
	writer := storage.NewDebouncedWriter(store, writeSpacing)

	// The simulator stands in for the live exchange; real account and
	// history clients attach through the same interfaces, built from each
	// account's credentials.
	xchg := sim.New(sim.DefaultConfig(cfg.Ticker.Currencies))

	tick := ticker.New(xchg, cfg.Ticker.Currencies)

	caches := make(map[string]*market.Cache, len(cfg.Ticker.Currencies))
	for _, currency := range cfg.Ticker.Currencies {
		caches[currency] = market.NewCache(currency, xchg)
	}
	tick.OnChange(func(asset string, price, _ float64) {
		if cache, ok := caches[asset]; ok {
			cache.UpdateTick(price)
		}
	})

	retentions := cfg.RetentionTable()
	accounts := make([]*account.Account, 0, len(cfg.Accounts))
	for _, accountCfg := range cfg.Accounts {
		registry := subscription.NewRegistry()
		acct := account.New(accountCfg.Name, xchg, xchg, tick, registry, store, writer, retentions)

		for _, cache := range caches {
			cache.Register(registry)
		}

		accounts = append(accounts, acct)
	}

	opsServer := ops.New(ctx, env.ListenAddress)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return xchg.Run(gCtx)
	})

	g.Go(func() error {
		return tick.Run(gCtx)
	})

	g.Go(func() error {
		slog.InfoContext(ctx, "waiting for initial prices")
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-tick.Ready():
		}

		slog.InfoContext(ctx, "starting accounts", "count", len(accounts))
		for _, acct := range accounts {
			acct := acct
			if err := acct.Start(gCtx); err != nil {
				return err
			}
			g.Go(func() error {
				return acct.Run(gCtx)
			})
		}

		slog.InfoContext(ctx, "ready")
		return nil
	})

	g.Go(func() error {
		slog.InfoContext(ctx, "starting ops server", "listen_address", env.ListenAddress)
		if err := runHttpServer(gCtx, env.ListenAddress, opsServer); err != nil {
			slog.ErrorContext(ctx, "failed to start ops server", "error", err)
			cancel()
			return err
		}
		return nil
	})

	// Handle graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		slog.Info("shutting down gracefully")

		return opsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("tracker terminated", "err", err)
	}
}

func runHttpServer(ctx context.Context, listenAddress string, srv *ops.Server) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", listenAddress)
	if err != nil {
		return err
	}

	err = srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}
