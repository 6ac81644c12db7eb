package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/azazel-zero/firstminute/internal/controller"
	"github.com/azazel-zero/firstminute/internal/nft"
	"github.com/azazel-zero/firstminute/internal/shaping"
	"github.com/azazel-zero/firstminute/internal/stage"
	"github.com/azazel-zero/firstminute/internal/status"
	"github.com/azazel-zero/firstminute/pkg/config"
	"github.com/azazel-zero/firstminute/pkg/metrics"
)

// Exit codes follow the documented contract: 0 success, 1 needs root, 2
// preflight missing tool / scan failure.
const (
	exitNeedsRoot = 1
	exitPreflight = 2
)

func main() {
	// ------- Logging setup -------
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	switch strings.ToLower(getenv("LOG_LEVEL", "info")) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var (
		cfgPath    = flag.String("config", getenv("FIRSTMINUTE_CONFIG", "configs/first_minute.yaml"), "path to config YAML")
		dryRun     = flag.Bool("dry-run", false, "skip preflight, sysctl and nft/tc stage enforcement; log stage decisions instead")
		noDNSStart = flag.Bool("no-dns-start", false, "don't supervise a local dnsmasq child")
		pretty     = flag.Bool("pretty-console", false, "render a terminal dashboard alongside structured logs")
	)
	flag.Parse()
	if !*pretty {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Warn().Err(err).Str("config", *cfgPath).Msg("falling back to built-in defaults")
		cfg = config.Default()
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("create runtime/log directories")
	}

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis not reachable yet; allow-set ledger will fall back in-process")
		} else {
			log.Info().Msg("redis reachable")
		}
		cancel()
	}

	nftMgr := nft.New(nft.Config{
		TemplatePath: cfg.NftTemplatePath(),
		Upstream:     cfg.Interfaces.Upstream,
		Downstream:   cfg.Interfaces.Downstream,
		MgmtIP:       cfg.Interfaces.MgmtIP,
		MgmtSubnet:   cfg.Interfaces.MgmtSubnet,
		ProbeTTL:     time.Duration(cfg.Policy.ProbeAllowTTL) * time.Second,
		DynamicTTL:   time.Duration(cfg.Policy.DynamicAllowTTL) * time.Second,
	}, rdb)
	tcMgr := shaping.New(cfg.Interfaces.Downstream, cfg.Interfaces.Upstream)
	store := status.NewStore(version())

	ctrl := controller.New(cfg, controller.Options{
		DryRun:        *dryRun,
		NoDNSStart:    *noDNSStart,
		PrettyConsole: *pretty,
	}, nftMgr, tcMgr, store)

	if !*dryRun {
		if err := ctrl.Preflight(); err != nil {
			log.Error().Err(err).Msg("preflight failed")
			if errors.Is(err, controller.ErrNeedsRoot) {
				os.Exit(exitNeedsRoot)
			}
			os.Exit(exitPreflight)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !*dryRun {
		ctrl.ApplySysctl(ctx)
		if err := nftMgr.ApplyBase(ctx); err != nil {
			log.Fatal().Err(err).Msg("apply base nftables policy")
		}
	}
	ctrl.ApplyStage(ctx, stage.Probe)

	if err := writePIDFile(cfg.PIDFile()); err != nil {
		log.Warn().Err(err).Msg("write pid file")
	}
	defer os.Remove(cfg.PIDFile())

	if err := ctrl.StartDnsmasq(ctx); err != nil {
		log.Warn().Err(err).Msg("start dnsmasq")
	}
	ctrl.StartDNSObserver(ctx)
	ctrl.SeedProbeDestinations(ctx)

	router := status.NewRouter(status.Deps{Store: store, Registry: reg})
	addr := cfg.StatusAPI.Host + ":" + strconv.Itoa(cfg.StatusAPI.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	status.EnableDrainFlag(true)

	go func() {
		log.Info().Str("addr", addr).Msg("status http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("status server stopped unexpectedly")
		}
	}()

	log.Info().
		Str("upstream", cfg.Interfaces.Upstream).
		Str("downstream", cfg.Interfaces.Downstream).
		Bool("dry_run", *dryRun).
		Msg("first-minute controller starting")

	var runWg sync.WaitGroup
	runWg.Add(1)
	go func() {
		defer runWg.Done()
		ctrl.Run(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown requested; draining")
	status.SetDraining(true)

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(shCtx); err != nil {
		log.Error().Err(err).Msg("status server shutdown did not complete in time; forcing close")
		_ = srv.Close()
	}
	shCancel()

	ctrl.StopDnsmasq()

	// Wait for the tick loop to fully exit before clearing nft/tc state, so a
	// Clear() flush can never interleave with an in-flight SetStage/Apply.
	runWg.Wait()

	if !*dryRun {
		clearCtx, clearCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tcMgr.Clear(clearCtx); err != nil {
			log.Warn().Err(err).Msg("clear traffic shaping on shutdown")
		}
		if err := nftMgr.Clear(clearCtx); err != nil {
			log.Warn().Err(err).Msg("clear nftables policy on shutdown")
		}
		clearCancel()
	}

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close")
		}
	}

	log.Info().Msg("first-minute controller exited")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// version is overridable at link time via -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

func version() string { return buildVersion }
