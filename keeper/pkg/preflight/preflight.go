// Package preflight validates a keeper deployment before its loop may start
// and records the outcome as a signed artifact.
package preflight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"

	"github.com/malbeclabs/keeper/keeper/pkg/config"
	"github.com/malbeclabs/keeper/keeper/pkg/errs"
	"github.com/malbeclabs/keeper/keeper/pkg/ledger"
	"github.com/malbeclabs/keeper/keeper/pkg/metrics"
	"github.com/malbeclabs/keeper/keeper/pkg/vault"
)

const VCID = "VC:4.KEEPER_PREFLIGHT"

const (
	CheckConnectivity   = "connectivity"
	CheckCredentials    = "credentials"
	CheckProgram        = "program_exists"
	CheckConfiguration  = "configuration"
	CheckOperatingFunds = "min_operating_balance"
)

type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusSkipped Status = "skipped"
)

type CheckResult struct {
	Name      string   `json:"name"`
	Status    Status   `json:"status"`
	Detail    string   `json:"detail,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Artifact is the verification record of one preflight run. Signature
// covers the JSON encoding of the artifact with Signature empty.
type Artifact struct {
	VCID      string          `json:"vc_id"`
	CheckedAt time.Time       `json:"checked_at"`
	Passed    bool            `json:"passed"`
	Observed  map[string]bool `json:"observed"`
	Expected  map[string]bool `json:"expected"`
	Checks    []CheckResult   `json:"checks"`
	Notes     string          `json:"notes"`
	Signer    string          `json:"signer,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

func (a *Artifact) Check(name string) (CheckResult, bool) {
	for _, c := range a.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Ledger      ledger.Client
	Environment *config.Environment
	Deployment  config.DeploymentState
	Keeper      solana.PrivateKey
	// ArtifactPath is where the artifact is written. Empty disables writing.
	ArtifactPath string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Environment == nil {
		return errors.New("environment is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Checker struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Checker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Checker{log: cfg.Logger, cfg: cfg}, nil
}

type check struct {
	name      string
	dependsOn []string
	run       func(ctx context.Context, st *runState) (string, error)
}

// runState carries values discovered by earlier checks.
type runState struct {
	programID solana.PublicKey
	mint      solana.PublicKey
	vault     *vault.VaultState
}

func (c *Checker) checks() []check {
	return []check{
		{name: CheckConnectivity, run: c.checkConnectivity},
		{name: CheckCredentials, run: c.checkCredentials},
		{name: CheckProgram, dependsOn: []string{CheckConnectivity}, run: c.checkProgram},
		{name: CheckConfiguration, dependsOn: []string{CheckCredentials, CheckProgram}, run: c.checkConfiguration},
		{name: CheckOperatingFunds, dependsOn: []string{CheckConnectivity, CheckCredentials}, run: c.checkOperatingFunds},
	}
}

// Run executes every check in order, writes the artifact and returns it.
// The error wraps errs.ErrPreflightFailure when any check did not pass.
func (c *Checker) Run(ctx context.Context) (*Artifact, error) {
	c.log.Info("preflight: running checks")
	st := &runState{}
	status := make(map[string]Status)
	art := &Artifact{
		VCID:     VCID,
		Observed: make(map[string]bool),
		Expected: make(map[string]bool),
	}

	for _, chk := range c.checks() {
		res := CheckResult{Name: chk.name, DependsOn: chk.dependsOn}
		for _, dep := range chk.dependsOn {
			if status[dep] != StatusPass {
				res.Status = StatusSkipped
				res.Detail = fmt.Sprintf("%s did not pass", dep)
				break
			}
		}
		if res.Status == "" {
			detail, err := chk.run(ctx, st)
			if err != nil {
				res.Status = StatusFail
				res.Detail = err.Error()
			} else {
				res.Status = StatusPass
				res.Detail = detail
			}
		}
		status[chk.name] = res.Status
		art.Checks = append(art.Checks, res)
		art.Observed[chk.name] = res.Status == StatusPass
		art.Expected[chk.name] = true
		for _, s := range []Status{StatusPass, StatusFail, StatusSkipped} {
			v := 0.0
			if s == res.Status {
				v = 1
			}
			metrics.PreflightChecks.WithLabelValues(chk.name, string(s)).Set(v)
		}

		log := c.log.Info
		if res.Status != StatusPass {
			log = c.log.Warn
		}
		log("preflight: check finished", "check", chk.name, "status", res.Status, "detail", res.Detail)
	}

	art.Passed = true
	for _, r := range art.Checks {
		if r.Status != StatusPass {
			art.Passed = false
		}
	}
	art.CheckedAt = c.cfg.Clock.Now().UTC()
	if art.Passed {
		art.Notes = "All preflight checks passed"
	} else {
		art.Notes = "Some preflight checks failed"
	}

	if status[CheckCredentials] == StatusPass {
		if err := Sign(art, c.cfg.Keeper); err != nil {
			return art, fmt.Errorf("failed to sign artifact: %w", err)
		}
	}
	if c.cfg.ArtifactPath != "" {
		if err := os.MkdirAll(filepath.Dir(c.cfg.ArtifactPath), 0o755); err != nil {
			return art, fmt.Errorf("failed to create artifact dir: %w", err)
		}
		if err := config.WriteJSONAtomic(c.cfg.ArtifactPath, art); err != nil {
			return art, fmt.Errorf("failed to write artifact: %w", err)
		}
		c.log.Info("preflight: artifact written", "path", c.cfg.ArtifactPath, "passed", art.Passed)
	}

	if !art.Passed {
		var failed []string
		for _, r := range art.Checks {
			if r.Status == StatusFail {
				failed = append(failed, r.Name)
			}
		}
		return art, fmt.Errorf("%w: failed checks %v", errs.ErrPreflightFailure, failed)
	}
	return art, nil
}

func (c *Checker) checkConnectivity(ctx context.Context, _ *runState) (string, error) {
	if err := c.cfg.Ledger.Health(ctx); err != nil {
		return "", err
	}
	slot, err := c.cfg.Ledger.GetSlot(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("slot %d", slot), nil
}

func (c *Checker) checkCredentials(_ context.Context, _ *runState) (string, error) {
	key := c.cfg.Keeper
	if len(key) != 64 {
		return "", errors.New("keeper keypair is missing or malformed")
	}
	pub := key.PublicKey()
	msg := []byte(VCID)
	sig, err := key.Sign(msg)
	if err != nil {
		return "", fmt.Errorf("keeper key cannot sign: %w", err)
	}
	if !sig.Verify(pub, msg) {
		return "", errors.New("keeper key signature does not verify")
	}
	if want := c.cfg.Deployment.KeeperWallet; want != "" && want != pub.String() {
		return "", fmt.Errorf("keeper key %s does not match deployment keeper wallet %s", pub, want)
	}
	return pub.String(), nil
}

func (c *Checker) checkProgram(ctx context.Context, st *runState) (string, error) {
	programID, err := solana.PublicKeyFromBase58(c.cfg.Deployment.VaultProgramID)
	if err != nil {
		return "", fmt.Errorf("invalid vault program id: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(c.cfg.Deployment.TokenMint)
	if err != nil {
		return "", fmt.Errorf("invalid token mint: %w", err)
	}
	acc, err := c.cfg.Ledger.GetAccount(ctx, programID)
	if err != nil {
		return "", fmt.Errorf("vault program %s: %w", programID, err)
	}
	if !acc.Executable {
		return "", fmt.Errorf("vault program %s is not executable", programID)
	}
	addr, _, err := vault.VaultAddress(programID, mint)
	if err != nil {
		return "", err
	}
	vacc, err := c.cfg.Ledger.GetAccount(ctx, addr)
	if err != nil {
		return "", fmt.Errorf("vault state %s: %w", addr, err)
	}
	state, err := vault.DecodeVaultState(vacc.Data)
	if err != nil {
		return "", fmt.Errorf("vault state %s: %w", addr, err)
	}
	st.programID, st.mint, st.vault = programID, mint, state
	return fmt.Sprintf("program %s, vault %s", programID, addr), nil
}

func (c *Checker) checkConfiguration(_ context.Context, st *runState) (string, error) {
	var problems []error
	if err := c.cfg.Environment.Validate(); err != nil {
		problems = append(problems, err)
	}
	if err := c.cfg.Deployment.Validate(); err != nil {
		problems = append(problems, err)
	}
	if st.vault != nil {
		if !st.vault.Mint.Equals(st.mint) {
			problems = append(problems, fmt.Errorf("vault mint %s does not match token mint %s", st.vault.Mint, st.mint))
		}
		pub := c.cfg.Keeper.PublicKey()
		if !st.vault.Keeper.Equals(pub) {
			problems = append(problems, fmt.Errorf("vault keeper %s is not the keeper key %s", st.vault.Keeper, pub))
		}
		// The keeper's reward account would otherwise share in every
		// distribution it funds.
		if !slices.Contains(st.vault.RewardExclusions, pub) {
			problems = append(problems, fmt.Errorf("keeper %s is not on the reward exclusion list", pub))
		}
		if want := c.cfg.Environment.Vault.MinHoldAmount; want != 0 && want != st.vault.MinimumHoldAmount {
			problems = append(problems, fmt.Errorf("configured minimum hold %d does not match vault minimum hold %d", want, st.vault.MinimumHoldAmount))
		}
		if st.vault.EmergencyPause {
			problems = append(problems, errors.New("vault is emergency paused"))
		}
	}
	if err := errors.Join(problems...); err != nil {
		return "", err
	}
	return "complete", nil
}

func (c *Checker) checkOperatingFunds(ctx context.Context, _ *runState) (string, error) {
	pub := c.cfg.Keeper.PublicKey()
	bal, err := c.cfg.Ledger.GetBalance(ctx, pub)
	if err != nil {
		return "", err
	}
	want := c.cfg.Environment.Keeper.MinOperatingLamports
	if bal < want {
		return "", fmt.Errorf("keeper balance %d lamports is below %d", bal, want)
	}
	return fmt.Sprintf("%d lamports", bal), nil
}

func signingPayload(a *Artifact) ([]byte, error) {
	body := *a
	body.Signature = ""
	return json.Marshal(body)
}

// Sign sets the artifact's signer and signature using key.
func Sign(a *Artifact, key solana.PrivateKey) error {
	a.Signer = key.PublicKey().String()
	payload, err := signingPayload(a)
	if err != nil {
		return err
	}
	sig, err := key.Sign(payload)
	if err != nil {
		return err
	}
	a.Signature = base58.Encode(sig[:])
	return nil
}

// VerifyArtifact checks the artifact signature against its signer.
func VerifyArtifact(a *Artifact) error {
	if a.Signer == "" || a.Signature == "" {
		return errors.New("artifact is not signed")
	}
	signer, err := solana.PublicKeyFromBase58(a.Signer)
	if err != nil {
		return fmt.Errorf("invalid signer: %w", err)
	}
	raw, err := base58.Decode(a.Signature)
	if err != nil || len(raw) != 64 {
		return errors.New("invalid signature encoding")
	}
	payload, err := signingPayload(a)
	if err != nil {
		return err
	}
	if !solana.SignatureFromBytes(raw).Verify(signer, payload) {
		return errors.New("artifact signature does not verify")
	}
	return nil
}

// ReadArtifact loads an artifact written by Run.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return &a, nil
}
