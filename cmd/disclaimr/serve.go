package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/d--j/go-disclaimr"
	"github.com/d--j/go-disclaimr/directory"
	"github.com/d--j/go-disclaimr/internal/log"
	"github.com/d--j/go-disclaimr/internal/metrics"
	"github.com/d--j/go-disclaimr/querycache"
	"github.com/d--j/go-disclaimr/rules"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the milter server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.String("milter-network", "tcp", "network of the milter socket (tcp or unix)")
	flags.String("milter-address", "127.0.0.1:5000", "address of the milter socket")
	flags.String("milter-recipient-matching", "every", "recipient matching mode: every or skip_after_accept")
	flags.String("metrics-address", "", "serve Prometheus metrics on this address")
	return cmd
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closer, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	matching, err := rules.ParseRecipientMatching(cfg.Milter.RecipientMatching)
	if err != nil {
		return err
	}

	cache := querycache.New()
	go querycache.RunFlusher(ctx, cache, cfg.Cache.FlushInterval, func(removed int) {
		metrics.CacheFlushed.Add(float64(removed))
	})
	resolver := directory.NewResolver(
		&directory.LDAPClient{Timeout: cfg.Directory.Timeout},
		directory.WithCache(cache),
		directory.WithTimeout(cfg.Directory.Timeout),
	)
	engine := rules.NewEngine(repo, resolver,
		rules.WithRecipientMatching(matching),
		rules.WithBodyMaxMem(cfg.Body.MaxMem),
		rules.WithBodyMaxSize(cfg.Body.MaxSize),
	)

	if cfg.Metrics.Address != "" {
		srv := metrics.StartServer(cfg.Metrics.Address)
		defer srv.Close()
		log.Info().Str("address", cfg.Metrics.Address).Msg("metrics server started")
	}

	filter, err := disclaimr.New(cfg.Milter.Network, cfg.Milter.Address, engine)
	if err != nil {
		return err
	}
	log.Info().Str("network", cfg.Milter.Network).Stringer("address", filter.Addr()).Str("version", version).Msg("milter started")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := filter.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		filter.Close()
	}
	filter.Wait()
	return nil
}
