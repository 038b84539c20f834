package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
)

// Deployment is the governance policy plus the custody settings it runs with.
type Deployment struct {
	Policy               governance.Policy
	BootstrapAuthorities []string
	Treasury             string
	PayoutAsset          string
}

const (
	DefaultTreasury    = "treasury"
	DefaultPayoutAsset = "GBR"
)

func DefaultDeployment() Deployment {
	return Deployment{
		Policy:      governance.DefaultPolicy(),
		Treasury:    DefaultTreasury,
		PayoutAsset: DefaultPayoutAsset,
	}
}

type policyFile struct {
	LevelLimits             []int64                   `toml:"level_limits"`
	MaxWithdrawalsPerPeriod int                       `toml:"max_withdrawals_per_period"`
	Period                  string                    `toml:"period"`
	ApprovalWindow          string                    `toml:"approval_window"`
	Rules                   []governance.ApprovalRule `toml:"rules"`
	JoinThresholds          map[string]int64          `toml:"join_thresholds"`
	BootstrapAuthorities    []string                  `toml:"bootstrap_authorities"`
	Treasury                string                    `toml:"treasury"`
	PayoutAsset             string                    `toml:"payout_asset"`
}

// LoadDeployment reads the policy file at path over the defaults. An empty
// path yields the defaults.
func LoadDeployment(path string) (Deployment, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultDeployment(), nil
	}
	var raw policyFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Deployment{}, fmt.Errorf("load policy: %w", err)
	}
	return fromFile(raw, meta)
}

// ParseDeployment decodes a policy document held in memory.
func ParseDeployment(doc string) (Deployment, error) {
	var raw policyFile
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return Deployment{}, fmt.Errorf("parse policy: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw policyFile, meta toml.MetaData) (Deployment, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Deployment{}, fmt.Errorf("unknown policy keys: %v", undecoded)
	}
	d := DefaultDeployment()
	p := &d.Policy

	if meta.IsDefined("level_limits") {
		if len(raw.LevelLimits) != int(governance.MaxLevel) {
			return Deployment{}, fmt.Errorf("level_limits needs %d entries, got %d", governance.MaxLevel, len(raw.LevelLimits))
		}
		copy(p.Quota.LevelLimits[:], raw.LevelLimits)
	}
	if meta.IsDefined("max_withdrawals_per_period") {
		p.Quota.MaxWithdrawalsPerPeriod = raw.MaxWithdrawalsPerPeriod
	}
	if meta.IsDefined("period") {
		dur, err := time.ParseDuration(strings.TrimSpace(raw.Period))
		if err != nil {
			return Deployment{}, fmt.Errorf("parse period: %w", err)
		}
		p.Quota.Period = dur
	}
	if meta.IsDefined("approval_window") {
		dur, err := time.ParseDuration(strings.TrimSpace(raw.ApprovalWindow))
		if err != nil {
			return Deployment{}, fmt.Errorf("parse approval_window: %w", err)
		}
		p.ApprovalWindow = dur
	}
	if meta.IsDefined("rules") {
		p.Rules = governance.RuleTable(raw.Rules)
	}
	if meta.IsDefined("join_thresholds") {
		p.JoinThresholds = make(map[governance.Asset]int64, len(raw.JoinThresholds))
		for asset, amt := range raw.JoinThresholds {
			p.JoinThresholds[governance.Asset(strings.ToUpper(strings.TrimSpace(asset)))] = amt
		}
	}
	if meta.IsDefined("bootstrap_authorities") {
		d.BootstrapAuthorities = normalizeIDs(raw.BootstrapAuthorities)
	}
	if meta.IsDefined("treasury") {
		d.Treasury = strings.TrimSpace(raw.Treasury)
	}
	if meta.IsDefined("payout_asset") {
		d.PayoutAsset = strings.ToUpper(strings.TrimSpace(raw.PayoutAsset))
	}
	if err := d.Validate(); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// WithBootstrap merges extra bootstrap holders (e.g. from the environment).
func (d Deployment) WithBootstrap(ids ...string) Deployment {
	d.BootstrapAuthorities = normalizeIDs(append(slices.Clone(d.BootstrapAuthorities), ids...))
	return d
}

func (d Deployment) Validate() error {
	if err := d.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	if d.Treasury == "" {
		return fmt.Errorf("invalid policy: treasury id is required")
	}
	if d.PayoutAsset == "" {
		return fmt.Errorf("invalid policy: payout asset is required")
	}
	return nil
}

func normalizeIDs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, id := range in {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
