package outlier

import (
	"fmt"
)

// Policy decides which series are suppressed and which of their points.
type Policy string

const (
	// PolicyMethod1OrAll selects a series when method 1 fires, or all three
	// do, and suppresses points flagged by any method.
	PolicyMethod1OrAll Policy = "method1-or-all"
	// PolicyAllMethods selects a series only when all three methods fire and
	// suppresses points flagged by all three.
	PolicyAllMethods Policy = "all-methods"
)

func ParsePolicy(value string) (Policy, error) {
	switch Policy(value) {
	case PolicyMethod1OrAll, "":
		return PolicyMethod1OrAll, nil
	case PolicyAllMethods:
		return PolicyAllMethods, nil
	default:
		return "", fmt.Errorf("unknown outlier policy %q", value)
	}
}

type Params struct {
	NSD       float64 `mapstructure:"nsd" yaml:"nsd" json:"nsd" validate:"gt=0"`
	TV        float64 `mapstructure:"tv" yaml:"tv" json:"tv" validate:"gte=0"`
	Policy    Policy  `mapstructure:"policy" yaml:"policy" json:"policy" validate:"omitempty,oneof=method1-or-all all-methods"`
	MinPoints int     `mapstructure:"min_points" yaml:"min_points" json:"min_points" validate:"gte=3"`
}

func DefaultParams() Params {
	return Params{NSD: 6, TV: 1e6, Policy: PolicyMethod1OrAll, MinPoints: 3}
}

func (p Params) withDefaults() Params {
	if p.Policy == "" {
		p.Policy = PolicyMethod1OrAll
	}
	if p.MinPoints < 3 {
		p.MinPoints = 3
	}
	return p
}

func (p Params) Validate() error {
	if p.NSD <= 0 {
		return fmt.Errorf("nsd must be positive, got %v", p.NSD)
	}
	if p.TV < 0 {
		return fmt.Errorf("tv must not be negative, got %v", p.TV)
	}
	if _, err := ParsePolicy(string(p.Policy)); err != nil {
		return err
	}
	return nil
}
