package rating

import "github.com/openrating/openrating/pkg/config"

// Params holds the rating engine tunables. The table is read-only after
// startup; the updater never consults anything else.
type Params struct {
	BaseMu    float64 // initial posterior mean
	BaseSigma float64 // initial posterior standard deviation
	Beta      float64 // per-player performance noise
	Tau       float64 // additive drift applied to sigma each match
	SigmaMin  float64 // sigma floor
	MovMin    float64 // margin-of-victory weight lower bound
	MovMax    float64 // margin-of-victory weight upper bound
	BaseStep  float64 // K: base team delta step

	SynergyStep       float64 // K_gamma: pair synergy step
	SynergyActivation int     // completed pair matches before gamma moves

	// FormatSteps overrides BaseStep per format key.
	FormatSteps map[string]float64
}

func DefaultParams() Params {
	return Params{
		BaseMu:            1500,
		BaseSigma:         350,
		Beta:              200,
		Tau:               6,
		SigmaMin:          60,
		MovMin:            0.6,
		MovMax:            1.4,
		BaseStep:          80,
		SynergyStep:       12,
		SynergyActivation: 3,
	}
}

// FromConfig builds the parameter table from service configuration,
// falling back to defaults for any unset value.
func FromConfig(cfg *config.Config) Params {
	p := DefaultParams()
	if cfg == nil {
		return p
	}
	if cfg.RatingBaseMu > 0 {
		p.BaseMu = cfg.RatingBaseMu
	}
	if cfg.RatingBaseSigma > 0 {
		p.BaseSigma = cfg.RatingBaseSigma
	}
	if cfg.RatingBeta > 0 {
		p.Beta = cfg.RatingBeta
	}
	if cfg.RatingTau > 0 {
		p.Tau = cfg.RatingTau
	}
	if cfg.RatingSigmaMin > 0 {
		p.SigmaMin = cfg.RatingSigmaMin
	}
	if cfg.RatingMovMin > 0 {
		p.MovMin = cfg.RatingMovMin
	}
	if cfg.RatingMovMax > 0 {
		p.MovMax = cfg.RatingMovMax
	}
	if cfg.RatingBaseStep > 0 {
		p.BaseStep = cfg.RatingBaseStep
	}
	if cfg.RatingSynergyStep > 0 {
		p.SynergyStep = cfg.RatingSynergyStep
	}
	if cfg.RatingSynergyActivation > 0 {
		p.SynergyActivation = cfg.RatingSynergyActivation
	}
	return p
}

// Step returns the base delta step for a format, honoring per-format
// overrides.
func (p Params) Step(format string) float64 {
	if k, ok := p.FormatSteps[format]; ok {
		return k
	}
	return p.BaseStep
}

// ClampMov bounds a raw margin-of-victory weight into [MovMin, MovMax].
func (p Params) ClampMov(w float64) float64 {
	if w < p.MovMin {
		return p.MovMin
	}
	if w > p.MovMax {
		return p.MovMax
	}
	return w
}
