package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	policyEnvPrefix   = "TALLY_POLICY_"
	maxPolicyFileSize = 64 * 1024
)

// Policy holds the product thresholds used by validation, scoring and the
// decision engine. They are configuration, not constants.
type Policy struct {
	AutoApprove            float64 `koanf:"auto_approve"`
	HighPriorityBelow      float64 `koanf:"high_priority_below"`
	CriticalCap            float64 `koanf:"critical_cap"`
	HighValueThreshold     float64 `koanf:"high_value_threshold"`
	HighValueMinConfidence float64 `koanf:"high_value_min_confidence"`
	CodeMandatoryAbove     float64 `koanf:"code_mandatory_above"`
	Tolerance              float64 `koanf:"tolerance"`
	WarningsRequireReview  bool    `koanf:"warnings_require_review"`
}

// DefaultPolicy returns the thresholds the pipeline ships with.
func DefaultPolicy() Policy {
	return Policy{
		AutoApprove:            0.95,
		HighPriorityBelow:      0.85,
		CriticalCap:            0.80,
		HighValueThreshold:     100000,
		HighValueMinConfidence: 0.98,
		CodeMandatoryAbove:     50000,
		Tolerance:              1.0,
	}
}

// LoadPolicy layers, lowest to highest precedence: defaults, the YAML file at
// path (skipped when path is empty), then TALLY_POLICY_* environment variables.
//
//	TALLY_POLICY_AUTO_APPROVE=0.97 -> auto_approve
func LoadPolicy(path string) (Policy, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readPolicyFile(path)
		if err != nil {
			return Policy{}, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return Policy{}, fmt.Errorf("load policy file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(policyEnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, policyEnvPrefix))
	}), nil); err != nil {
		return Policy{}, fmt.Errorf("load policy env: %w", err)
	}

	p := DefaultPolicy()
	if err := k.Unmarshal("", &p); err != nil {
		return Policy{}, fmt.Errorf("unmarshal policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate rejects threshold combinations that would make the decision
// branches unreachable or out of range.
func (p Policy) Validate() error {
	for name, v := range map[string]float64{
		"auto_approve":              p.AutoApprove,
		"high_priority_below":       p.HighPriorityBelow,
		"critical_cap":              p.CriticalCap,
		"high_value_min_confidence": p.HighValueMinConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("policy %s must be within [0,1], got %g", name, v)
		}
	}
	if p.HighPriorityBelow > p.AutoApprove {
		return fmt.Errorf("policy high_priority_below (%g) exceeds auto_approve (%g)", p.HighPriorityBelow, p.AutoApprove)
	}
	if p.Tolerance < 0 {
		return fmt.Errorf("policy tolerance must not be negative, got %g", p.Tolerance)
	}
	if p.HighValueThreshold < 0 || p.CodeMandatoryAbove < 0 {
		return fmt.Errorf("policy amount thresholds must not be negative")
	}
	return nil
}

func readPolicyFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat policy file: %w", err)
	}
	if info.Size() > maxPolicyFileSize {
		return nil, fmt.Errorf("policy file too large: %d bytes (max %d)", info.Size(), maxPolicyFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return content, nil
}
