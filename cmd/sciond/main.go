// Command sciond runs the SCION endhost path daemon: it resolves
// forwarding paths on behalf of local applications, maintaining the
// up/down/core segment caches and serving the local API (spec §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/scionproto-go/sciond/config"
	"github.com/scionproto-go/sciond/daemon"
	"github.com/scionproto-go/sciond/discovery"
	"github.com/scionproto-go/sciond/internal/resources"
	"github.com/scionproto-go/sciond/ratelimit"
	"github.com/scionproto-go/sciond/sciondapi"
	"github.com/scionproto-go/sciond/scionaddr"
	"github.com/scionproto-go/sciond/transport"
)

func main() {
	configDir := flag.String("config", "", "configuration directory containing sciond.toml")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		logger.Debug().Msgf(format, args...)
	})); err != nil {
		logger.Warn().Err(err).Msg("failed to set GOMAXPROCS from cgroup limits")
	}

	if *configDir == "" {
		logger.Fatal().Msg("-config is required")
	}

	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.FromCgroup),
	); err != nil {
		logger.Debug().Err(err).Msg("no cgroup memory limit found, leaving GOMEMLIMIT unset")
	}

	if err := run(*configDir, logger); err != nil {
		logger.Fatal().Err(err).Msg("sciond exited with an error")
	}
}

func run(configDir string, logger zerolog.Logger) error {
	cfg, err := config.LoadDir(configDir)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	localIA := scionaddr.IA{ISD: cfg.Local.ISD, AD: cfg.Local.AD}
	localHost := scionaddr.HostAddr{
		IA:   localIA,
		IP:   net.ParseIP(cfg.Local.Host),
		Port: cfg.Local.Port,
	}

	sock, err := transport.Listen(fmt.Sprintf("%s:%d", cfg.Local.Host, cfg.Local.Port), logger)
	if err != nil {
		return fmt.Errorf("binding SCION socket: %w", err)
	}
	defer sock.Close()

	resolver := discovery.NewStatic(&net.UDPAddr{
		IP:   net.ParseIP(cfg.PathServer.Host),
		Port: int(cfg.PathServer.Port),
	})

	d := daemon.New(daemon.Config{
		LocalIA:      localIA,
		LocalHost:    localHost,
		SegmentTTL:   cfg.SegmentTTL(),
		Timeout:      cfg.Timeout(),
		NTokensCheck: cfg.NTokensCheck,
		Resolver:     resolver,
		Transport:    sock,
		Verifier:     daemon.HashChainVerifier{},
		Limiter:      ratelimit.New(time.Second, 100),
		Logger:       logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return sock.Serve(gctx, d)
	})

	if cfg.RunLocalAPI {
		api := &sciondapi.Server{Daemon: d, Logger: logger}
		addr := fmt.Sprintf("%s:%d", cfg.LocalAPIAddress, config.DefaultLocalAPIPort)
		group.Go(func() error {
			return api.ListenAndServe(gctx, addr)
		})
	}

	group.Go(func() error {
		resources.LogPeriodically(gctx, logger, time.Minute)
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	group.Go(func() error {
		select {
		case s := <-sigCh:
			logger.Info().Str("signal", s.String()).Msg("shutting down")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	logger.Info().
		Str("local_ia", localIA.String()).
		Bool("run_local_api", cfg.RunLocalAPI).
		Msg("sciond started")

	return group.Wait()
}
