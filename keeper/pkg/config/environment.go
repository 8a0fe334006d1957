package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

type Network string

const (
	NetworkMainnet  Network = "mainnet"
	NetworkDevnet   Network = "devnet"
	NetworkLocalnet Network = "localnet"
)

var defaultRPCURLs = map[Network]string{
	NetworkMainnet:  "https://api.mainnet-beta.solana.com",
	NetworkDevnet:   "https://api.devnet.solana.com",
	NetworkLocalnet: "http://127.0.0.1:8899",
}

const (
	DefaultJupiterURL            = "https://quote-api.jup.ag/v6"
	DefaultJupiterPriceURL       = "https://price.jup.ag/v6/price"
	DefaultPreflightArtifactPath = "verification/vc4-keeper-preflight.json"
)

// Duration is a time.Duration that unmarshals from "30s"-style strings or
// from a number of seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type TokenConfig struct {
	Name           string `json:"name"`
	Symbol         string `json:"symbol"`
	Decimals       uint8  `json:"decimals"`
	TotalSupply    uint64 `json:"totalSupply"`
	TransferFeeBps uint16 `json:"transferFeeBps"`
	MaximumFee     uint64 `json:"maximumFee"`
}

type VaultConfig struct {
	// MinHoldAmount, when set, must equal the vault's on-chain minimum
	// hold. Distributions always apply the on-chain value.
	MinHoldAmount uint64 `json:"minHoldAmount"`
	// HarvestThreshold suppresses harvests of smaller withheld balances.
	HarvestThreshold uint64 `json:"harvestThreshold"`
}

type PriorityFeeConfig struct {
	MicroLamports uint64 `json:"microLamports"`
}

type KeeperConfig struct {
	Interval              Duration `json:"interval"`
	MaxInterval           Duration `json:"maxInterval"`
	PriceImpactCeilingPct float64  `json:"priceImpactCeilingPct"`
	SlippageBps           uint16   `json:"slippageBps"`
	QuoteValidity         Duration `json:"quoteValidity"`
	MaxSlotDrift          uint64   `json:"maxSlotDrift"`
	ExclusionMaxAge       Duration `json:"exclusionMaxAge"`
	ConfirmTimeout        Duration `json:"confirmTimeout"`
	MinOperatingLamports  uint64   `json:"minOperatingLamports"`
	AlertThreshold        int      `json:"alertThreshold"`
	RewardMint            string   `json:"rewardMint"`
	// MinSwapValueUSD skips swaps whose priced value is below it. A missing
	// price never triggers the skip.
	MinSwapValueUSD       float64 `json:"minSwapValueUsd"`
	JupiterURL            string  `json:"jupiterUrl"`
	JupiterPriceURL       string  `json:"jupiterPriceUrl"`
	JupiterRequestsPerSec float64 `json:"jupiterRequestsPerSec"`
	PreflightArtifactPath string  `json:"preflightArtifactPath"`
}

// Environment is the static per-network configuration of a keeper deployment.
type Environment struct {
	Network     Network           `json:"network"`
	RPCURL      string            `json:"rpcUrl"`
	Commitment  string            `json:"commitment"`
	Token       TokenConfig       `json:"tokenConfig"`
	Vault       VaultConfig       `json:"vaultConfig"`
	PriorityFee PriorityFeeConfig `json:"priorityFee"`
	Keeper      KeeperConfig      `json:"keeperConfig"`
}

// LoadEnvironment reads the JSON file at path, applies KEEPER_* environment
// overrides and defaults, and validates the result.
func LoadEnvironment(path string) (*Environment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ValidationError{Field: "config", Reason: fmt.Sprintf("failed to read %s: %v", path, err)}
	}
	return ParseEnvironment(data, os.Getenv)
}

// ParseEnvironment is LoadEnvironment over raw bytes with an injectable
// environment lookup.
func ParseEnvironment(data []byte, getenv func(string) string) (*Environment, error) {
	var env Environment
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ValidationError{Field: "config", Reason: fmt.Sprintf("invalid json: %v", err)}
	}
	if err := env.applyOverrides(getenv); err != nil {
		return nil, err
	}
	env.applyDefaults()
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Environment) applyOverrides(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	if v := getenv("KEEPER_NETWORK"); v != "" {
		e.Network = Network(v)
	}
	if v := getenv("KEEPER_RPC_URL"); v != "" {
		e.RPCURL = v
	}
	if v := getenv("KEEPER_COMMITMENT"); v != "" {
		e.Commitment = v
	}
	if v := getenv("KEEPER_REWARD_MINT"); v != "" {
		e.Keeper.RewardMint = v
	}
	if v := getenv("KEEPER_JUPITER_URL"); v != "" {
		e.Keeper.JupiterURL = v
	}
	if v := getenv("KEEPER_PRIORITY_FEE_MICROLAMPORTS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return &ValidationError{Field: "KEEPER_PRIORITY_FEE_MICROLAMPORTS", Reason: "must be an unsigned integer"}
		}
		e.PriorityFee.MicroLamports = n
	}
	if v := getenv("KEEPER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ValidationError{Field: "KEEPER_INTERVAL", Reason: "must be a duration"}
		}
		e.Keeper.Interval = Duration(d)
	}
	return nil
}

// applyDefaults fills operational settings only. Economic thresholds
// (harvest threshold, price impact ceiling, slippage) have no defaults.
func (e *Environment) applyDefaults() {
	if e.RPCURL == "" {
		e.RPCURL = defaultRPCURLs[e.Network]
	}
	if e.Commitment == "" {
		e.Commitment = "confirmed"
	}
	k := &e.Keeper
	if k.MaxInterval == 0 {
		k.MaxInterval = Duration(k.Interval.D() * 16)
	}
	if k.QuoteValidity == 0 {
		k.QuoteValidity = Duration(30 * time.Second)
	}
	if k.MaxSlotDrift == 0 {
		k.MaxSlotDrift = 150
	}
	if k.ExclusionMaxAge == 0 {
		k.ExclusionMaxAge = Duration(5 * time.Minute)
	}
	if k.ConfirmTimeout == 0 {
		k.ConfirmTimeout = Duration(60 * time.Second)
	}
	if k.AlertThreshold == 0 {
		k.AlertThreshold = 3
	}
	if k.JupiterURL == "" {
		k.JupiterURL = DefaultJupiterURL
	}
	if k.JupiterPriceURL == "" {
		k.JupiterPriceURL = DefaultJupiterPriceURL
	}
	if k.JupiterRequestsPerSec == 0 {
		k.JupiterRequestsPerSec = 1
	}
	if k.PreflightArtifactPath == "" {
		k.PreflightArtifactPath = DefaultPreflightArtifactPath
	}
}

func (e *Environment) Validate() error {
	var problems []error
	add := func(field, reason string) {
		problems = append(problems, &ValidationError{Field: field, Reason: reason})
	}

	if _, ok := defaultRPCURLs[e.Network]; !ok {
		add("network", fmt.Sprintf("unknown network %q", e.Network))
	}
	if !strings.HasPrefix(e.RPCURL, "http://") && !strings.HasPrefix(e.RPCURL, "https://") {
		add("rpcUrl", "must be an http(s) url")
	}
	switch e.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		add("commitment", fmt.Sprintf("unknown commitment %q", e.Commitment))
	}
	if e.Token.TransferFeeBps > 10_000 {
		add("tokenConfig.transferFeeBps", "must be at most 10000")
	}
	if e.Vault.HarvestThreshold == 0 {
		add("vaultConfig.harvestThreshold", "is required")
	}
	k := e.Keeper
	if k.Interval <= 0 {
		add("keeperConfig.interval", "is required")
	}
	if k.MaxInterval < k.Interval {
		add("keeperConfig.maxInterval", "must not be below interval")
	}
	if k.PriceImpactCeilingPct <= 0 || k.PriceImpactCeilingPct > 100 {
		add("keeperConfig.priceImpactCeilingPct", "must be in (0, 100]")
	}
	if k.SlippageBps == 0 || k.SlippageBps > 10_000 {
		add("keeperConfig.slippageBps", "must be in [1, 10000]")
	}
	if k.AlertThreshold < 1 {
		add("keeperConfig.alertThreshold", "must be positive")
	}
	if err := ValidateAddress("keeperConfig.rewardMint", k.RewardMint); err != nil {
		problems = append(problems, err)
	}
	return errors.Join(problems...)
}

// ValidateAddress checks that s is a base58-encoded 32-byte public key.
func ValidateAddress(field, s string) error {
	if s == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	b, err := base58.Decode(s)
	if err != nil {
		return &ValidationError{Field: field, Reason: "is not valid base58"}
	}
	if len(b) != 32 {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("decodes to %d bytes, want 32", len(b))}
	}
	return nil
}
