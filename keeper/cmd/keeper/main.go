package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/keeper/keeper/pkg/alert"
	"github.com/malbeclabs/keeper/keeper/pkg/config"
	"github.com/malbeclabs/keeper/keeper/pkg/errs"
	"github.com/malbeclabs/keeper/keeper/pkg/ledger"
	"github.com/malbeclabs/keeper/keeper/pkg/metrics"
	"github.com/malbeclabs/keeper/keeper/pkg/orchestrator"
	"github.com/malbeclabs/keeper/keeper/pkg/preflight"
	"github.com/malbeclabs/keeper/keeper/pkg/server"
	"github.com/malbeclabs/keeper/keeper/pkg/swap"
	"github.com/malbeclabs/keeper/keeper/pkg/vault"
	"github.com/malbeclabs/keeper/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultNetwork     = "devnet"
	defaultStateDir    = "state"
	defaultKeypairDir  = "keys"
	defaultKeypairName = "keeper"
	defaultListenAddr  = "0.0.0.0:8080"
)

// exitPreflight distinguishes a failed preflight from other fatal errors.
const exitPreflight = 2

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errs.ErrPreflightFailure) {
			os.Exit(exitPreflight)
		}
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may be set some other way.
	_ = godotenv.Load()

	networkFlag := flag.String("network", defaultNetwork, "network: localnet, devnet or mainnet (or set KEEPER_NETWORK env var)")
	configFlag := flag.String("config", "", "path to the environment config (default config/<network>.json, or set KEEPER_CONFIG env var)")
	stateDirFlag := flag.String("state-dir", defaultStateDir, "directory holding deployment and runtime state (or set KEEPER_STATE_DIR env var)")
	keypairDirFlag := flag.String("keypair-dir", defaultKeypairDir, "directory holding keypair files (or set KEEPER_KEYPAIR_DIR env var)")
	keypairFlag := flag.String("keypair", defaultKeypairName, "name of the keeper keypair in the keypair dir (or set KEEPER_KEYPAIR env var)")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address for the health and status server (or set KEEPER_LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", "", "separate address for prometheus metrics; empty serves them on the status server (or set KEEPER_METRICS_ADDR env var)")
	preflightOnlyFlag := flag.Bool("preflight-only", false, "run the preflight checks, write the artifact and exit")
	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN for operator alerts (or set SENTRY_DSN env var)")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if v := os.Getenv("KEEPER_NETWORK"); v != "" {
		*networkFlag = v
	}
	if v := os.Getenv("KEEPER_CONFIG"); v != "" {
		*configFlag = v
	}
	if v := os.Getenv("KEEPER_STATE_DIR"); v != "" {
		*stateDirFlag = v
	}
	if v := os.Getenv("KEEPER_KEYPAIR_DIR"); v != "" {
		*keypairDirFlag = v
	}
	if v := os.Getenv("KEEPER_KEYPAIR"); v != "" {
		*keypairFlag = v
	}
	if v := os.Getenv("KEEPER_LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("KEEPER_METRICS_ADDR"); v != "" {
		*metricsAddrFlag = v
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		*sentryDSNFlag = v
	}
	if *configFlag == "" {
		*configFlag = filepath.Join("config", *networkFlag+".json")
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	env, err := config.LoadEnvironment(*configFlag)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := config.Open(config.StoreConfig{Logger: log, Dir: *stateDirFlag})
	if err != nil {
		return err
	}
	defer store.Close()
	keeperKey, err := config.KeyStore{Dir: *keypairDirFlag}.Load(*keypairFlag)
	if err != nil {
		// Preflight reports missing credentials in the artifact.
		log.Warn("failed to load keeper keypair", "name", *keypairFlag, "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rpcClient, err := ledger.NewRPCClientFromURL(log, env.RPCURL, ledger.Commitment(env.Commitment), env.PriorityFee.MicroLamports)
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}

	deployment := store.Deployment()
	checker, err := preflight.New(preflight.Config{
		Logger:       log,
		Ledger:       rpcClient,
		Environment:  env,
		Deployment:   deployment,
		Keeper:       keeperKey,
		ArtifactPath: env.Keeper.PreflightArtifactPath,
	})
	if err != nil {
		return err
	}

	ids, idsErr := parseDeployment(deployment, env)
	if *preflightOnlyFlag || idsErr != nil || keeperKey == nil {
		art, err := checker.Run(ctx)
		if art != nil {
			if perr := printJSON(art); perr != nil {
				log.Warn("failed to print preflight artifact", "error", perr)
			}
		}
		switch {
		case err != nil:
			return err
		case idsErr != nil:
			return idsErr
		case keeperKey == nil:
			return fmt.Errorf("%w: keeper keypair %q not loaded", errs.ErrConfigValidation, *keypairFlag)
		}
		return nil
	}

	gateway, err := vault.NewGateway(vault.Config{
		Logger:           log,
		Ledger:           rpcClient,
		ProgramID:        ids.program,
		Mint:             ids.mint,
		RewardMint:       ids.rewardMint,
		Keeper:           keeperKey,
		HarvestThreshold: env.Vault.HarvestThreshold,
		ExclusionMaxAge:  env.Keeper.ExclusionMaxAge.D(),
		ConfirmTimeout:   env.Keeper.ConfirmTimeout.D(),
		Commitment:       ledger.Commitment(env.Commitment),
	})
	if err != nil {
		return fmt.Errorf("failed to create vault gateway: %w", err)
	}

	jupiter, err := swap.NewJupiter(swap.JupiterConfig{
		Logger:            log,
		Ledger:            rpcClient,
		Keeper:            keeperKey,
		BaseURL:           env.Keeper.JupiterURL,
		PriceURL:          env.Keeper.JupiterPriceURL,
		RequestsPerSecond: env.Keeper.JupiterRequestsPerSec,
		QuoteValidity:     env.Keeper.QuoteValidity.D(),
		MaxSlotDrift:      env.Keeper.MaxSlotDrift,
		ConfirmTimeout:    env.Keeper.ConfirmTimeout.D(),
		Commitment:        ledger.Commitment(env.Commitment),
	})
	if err != nil {
		return fmt.Errorf("failed to create swap adapter: %w", err)
	}

	alerter, err := newAlerter(log, *sentryDSNFlag, string(env.Network))
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Logger:           log,
		Vault:            gateway,
		Swap:             jupiter,
		Preflight:        checker,
		Store:            store,
		Alerter:          alerter,
		Keeper:           keeperKey.PublicKey(),
		Mint:             ids.mint,
		MintDecimals:     env.Token.Decimals,
		RewardMint:       ids.rewardMint,
		Interval:         env.Keeper.Interval.D(),
		MaxInterval:      env.Keeper.MaxInterval.D(),
		HarvestThreshold: env.Vault.HarvestThreshold,
		SlippageBps:      env.Keeper.SlippageBps,
		AlertThreshold:   env.Keeper.AlertThreshold,
		// A blockhash expires after roughly 150 slots, well inside two
		// confirmation timeouts.
		DropAfter:             2 * env.Keeper.ConfirmTimeout.D(),
		MinOperatingLamports:  env.Keeper.MinOperatingLamports,
		MinSwapValueUSD:       env.Keeper.MinSwapValueUSD,
		PriceImpactCeilingPct: env.Keeper.PriceImpactCeilingPct,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:      log,
		ListenAddr:  *listenAddrFlag,
		VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
		Status:      orch,
	})
	if err != nil {
		return err
	}

	log.Info("keeper: starting",
		"version", version,
		"network", env.Network,
		"program_id", ids.program,
		"mint", ids.mint,
		"reward_mint", ids.rewardMint,
		"keeper", keeperKey.PublicKey(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if *metricsAddrFlag != "" {
		g.Go(func() error {
			return serveMetrics(gctx, log, *metricsAddrFlag)
		})
	}
	g.Go(func() error {
		err := orch.Run(gctx)
		// The servers stop with the orchestrator.
		cancel()
		return err
	})
	return g.Wait()
}

type deploymentIDs struct {
	program    solana.PublicKey
	mint       solana.PublicKey
	rewardMint solana.PublicKey
}

func parseDeployment(d config.DeploymentState, env *config.Environment) (deploymentIDs, error) {
	var ids deploymentIDs
	if err := d.Validate(); err != nil {
		return ids, err
	}
	var err error
	if ids.program, err = solana.PublicKeyFromBase58(d.VaultProgramID); err != nil {
		return ids, fmt.Errorf("%w: vault program id: %v", errs.ErrConfigValidation, err)
	}
	if ids.mint, err = solana.PublicKeyFromBase58(d.TokenMint); err != nil {
		return ids, fmt.Errorf("%w: token mint: %v", errs.ErrConfigValidation, err)
	}
	if ids.rewardMint, err = solana.PublicKeyFromBase58(env.Keeper.RewardMint); err != nil {
		return ids, fmt.Errorf("%w: reward mint: %v", errs.ErrConfigValidation, err)
	}
	return ids, nil
}

func newAlerter(log *slog.Logger, dsn, environment string) (alert.Alerter, error) {
	logAlerter := &alert.LogAlerter{Logger: log}
	if dsn == "" {
		return logAlerter, nil
	}
	sentryAlerter, err := alert.NewSentryAlerter(alert.SentryConfig{
		Logger:      log,
		DSN:         dsn,
		Environment: environment,
		Release:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry alerter: %w", err)
	}
	return alert.Multi{logAlerter, sentryAlerter}, nil
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("prometheus metrics server failed: %w", err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
