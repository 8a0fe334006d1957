package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/keeper/admin/internal/admin"
	"github.com/malbeclabs/keeper/keeper/pkg/config"
	"github.com/malbeclabs/keeper/keeper/pkg/ledger"
	"github.com/malbeclabs/keeper/keeper/pkg/vault"
	"github.com/malbeclabs/keeper/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Environment
	networkFlag := flag.String("network", "devnet", "network: localnet, devnet or mainnet (or set KEEPER_NETWORK env var)")
	configFlag := flag.String("config", "", "path to the environment config (default config/<network>.json, or set KEEPER_CONFIG env var)")
	stateDirFlag := flag.String("state-dir", "state", "directory holding deployment state (or set KEEPER_STATE_DIR env var)")
	keypairDirFlag := flag.String("keypair-dir", "keys", "directory holding keypair files (or set KEEPER_KEYPAIR_DIR env var)")
	authorityFlag := flag.String("authority", "owner", "name of the vault owner keypair that signs admin transactions")

	// Commands
	addExclusionFlag := flag.String("add-exclusion", "", "add ADDRESS to an exclusion list")
	removeExclusionFlag := flag.String("remove-exclusion", "", "remove ADDRESS from an exclusion list")
	pdaFlag := flag.String("pda", "", "derive the named program account (vault, tax_config, holder_registry, ...)")
	showVaultFlag := flag.Bool("show-vault", false, "print the decoded vault state")
	updateConfigFlag := flag.Bool("update-config", false, "update vault config fields")
	withdrawVaultFlag := flag.String("emergency-withdraw-vault", "", "withdraw AMOUNT of the taxed token held by the vault")
	withdrawWithheldFlag := flag.Bool("emergency-withdraw-withheld", false, "withdraw every withheld transfer fee")
	generateKeypairFlag := flag.String("generate-keypair", "", "generate and save keypair NAME in the keypair dir")
	verifyPreflightFlag := flag.String("verify-preflight", "", "print and verify the preflight artifact at PATH")

	// Command options
	listFlag := flag.String("list", "reward", "exclusion list: reward or tax")
	chunkFlag := flag.Uint8("chunk", 0, "holder registry chunk for --pda holder_registry")
	treasuryFlag := flag.String("treasury", "", "new treasury address for --update-config")
	newKeeperFlag := flag.String("new-keeper", "", "new keeper address for --update-config")
	batchSizeFlag := flag.Int("batch-size", -1, "new distribution batch size for --update-config")
	minimumHoldFlag := flag.Int64("minimum-hold", -1, "new minimum hold amount for --update-config")
	destinationFlag := flag.String("destination", "", "destination token account for emergency withdrawals")
	overwriteFlag := flag.Bool("overwrite", false, "replace an existing keypair with --generate-keypair")
	dryRunFlag := flag.Bool("dry-run", false, "dry run mode - show what would be done without sending transactions")
	yesFlag := flag.Bool("yes", false, "skip confirmation prompt (use with caution)")

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
	if *configFlag == "" {
		*configFlag = filepath.Join("config", *networkFlag+".json")
	}

	ks := config.KeyStore{Dir: *keypairDirFlag}
	out := os.Stdout

	// Local commands
	if *generateKeypairFlag != "" {
		return admin.GenerateKeypair(out, ks, *generateKeypairFlag, *overwriteFlag)
	}
	if *verifyPreflightFlag != "" {
		return admin.VerifyPreflight(out, *verifyPreflightFlag)
	}

	env, err := config.LoadEnvironment(*configFlag)
	if err != nil {
		return err
	}
	// Read-only so admin commands work while a keeper holds the lock.
	store, err := config.Open(config.StoreConfig{Logger: log, Dir: *stateDirFlag, ReadOnly: true})
	if err != nil {
		return err
	}
	deployment := store.Deployment()
	programID, err := solana.PublicKeyFromBase58(deployment.VaultProgramID)
	if err != nil {
		return fmt.Errorf("invalid vault program id in deployment state: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(deployment.TokenMint)
	if err != nil {
		return fmt.Errorf("invalid token mint in deployment state: %w", err)
	}

	if *pdaFlag != "" {
		return admin.PrintPDA(out, programID, mint, *pdaFlag, *chunkFlag)
	}

	// On-chain commands
	authority, err := ks.Load(*authorityFlag)
	if err != nil {
		return err
	}
	rpcClient, err := ledger.NewRPCClientFromURL(log, env.RPCURL, ledger.Commitment(env.Commitment), env.PriorityFee.MicroLamports)
	if err != nil {
		return err
	}
	rewardMint, _ := solana.PublicKeyFromBase58(env.Keeper.RewardMint)
	gateway, err := vault.NewGateway(vault.Config{
		Logger:          log,
		Ledger:          rpcClient,
		ProgramID:       programID,
		Mint:            mint,
		RewardMint:      rewardMint,
		Keeper:          authority,
		ExclusionMaxAge: env.Keeper.ExclusionMaxAge.D(),
		ConfirmTimeout:  env.Keeper.ConfirmTimeout.D(),
		Commitment:      ledger.Commitment(env.Commitment),
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	prompt := admin.Prompt{In: os.Stdin, Out: out, DryRun: *dryRunFlag, Yes: *yesFlag}

	if *addExclusionFlag != "" || *removeExclusionFlag != "" {
		list, err := vault.ParseExclusionList(*listFlag)
		if err != nil {
			return err
		}
		action, raw := vault.ActionAdd, *addExclusionFlag
		if raw == "" {
			action, raw = vault.ActionRemove, *removeExclusionFlag
		}
		address, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return fmt.Errorf("invalid exclusion address: %w", err)
		}
		return admin.ManageExclusion(ctx, log, out, gateway, authority, action, list, address, *dryRunFlag)
	}

	if *showVaultFlag {
		return admin.ShowVault(ctx, out, gateway)
	}

	if *updateConfigFlag {
		update, err := admin.ParseConfigUpdate(admin.ConfigUpdateFlags{
			Treasury:    *treasuryFlag,
			Keeper:      *newKeeperFlag,
			BatchSize:   *batchSizeFlag,
			MinimumHold: *minimumHoldFlag,
		})
		if err != nil {
			return err
		}
		return admin.UpdateConfig(ctx, log, out, gateway, authority, update, *dryRunFlag)
	}

	if *withdrawVaultFlag != "" || *withdrawWithheldFlag {
		if *destinationFlag == "" {
			return fmt.Errorf("--destination is required for emergency withdrawals")
		}
		destination, err := solana.PublicKeyFromBase58(*destinationFlag)
		if err != nil {
			return fmt.Errorf("invalid destination: %w", err)
		}
		if *withdrawWithheldFlag {
			return admin.EmergencyWithdrawWithheld(ctx, log, prompt, gateway, authority, destination)
		}
		amount, err := strconv.ParseUint(*withdrawVaultFlag, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", *withdrawVaultFlag, err)
		}
		return admin.EmergencyWithdrawVault(ctx, log, prompt, gateway, authority, amount, destination)
	}

	flag.Usage()
	return nil
}
