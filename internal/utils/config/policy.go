package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Policy is the optional YAML overlay for settlement policy. Values present
// in the file win over the environment.
type Policy struct {
	Retry struct {
		MaxAttempts int            `yaml:"maxAttempts"`
		PerHop      map[string]int `yaml:"perHop"`
	} `yaml:"retry"`
	MultiSig struct {
		Signers        []string `yaml:"signers"`
		Threshold      int      `yaml:"threshold"`
		ValueThreshold string   `yaml:"valueThreshold"`
	} `yaml:"multisig"`
}

func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read policy file")
	}

	p := &Policy{}
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, errors.Wrap(err, "parse policy file")
	}
	if p.MultiSig.ValueThreshold != "" {
		if _, err := decimal.NewFromString(p.MultiSig.ValueThreshold); err != nil {
			return nil, errors.Wrap(err, "invalid multisig valueThreshold")
		}
	}
	if p.MultiSig.Threshold < 0 || (p.MultiSig.Threshold > 0 && len(p.MultiSig.Signers) > 0 && p.MultiSig.Threshold > len(p.MultiSig.Signers)) {
		return nil, errors.New("multisig threshold exceeds signer count")
	}

	return p, nil
}

func (c *AppConfig) ApplyPolicy(p *Policy) {
	if p == nil {
		return
	}
	if p.Retry.MaxAttempts > 0 {
		c.Retry.MaxAttempts = p.Retry.MaxAttempts
	}
	if len(p.Retry.PerHop) > 0 {
		if c.Retry.PerHop == nil {
			c.Retry.PerHop = map[string]int{}
		}
		for hop, attempts := range p.Retry.PerHop {
			c.Retry.PerHop[hop] = attempts
		}
	}
	if len(p.MultiSig.Signers) > 0 {
		c.MultiSig.Signers = p.MultiSig.Signers
	}
	if p.MultiSig.Threshold > 0 {
		c.MultiSig.Threshold = p.MultiSig.Threshold
	}
	if p.MultiSig.ValueThreshold != "" {
		c.MultiSig.ValueThreshold = decimal.RequireFromString(p.MultiSig.ValueThreshold)
	}
}
