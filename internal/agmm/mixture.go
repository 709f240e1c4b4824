package agmm

import "math"

// Opportunity tags a pixel's classification from the previous frame. It
// selects which learning-rate law RegulateEta applies.
type Opportunity int

const (
	// OpportunityBackground marks a pixel classified as background.
	OpportunityBackground Opportunity = 0
	// OpportunityShadow marks a pixel inside both the object and shadow masks.
	OpportunityShadow Opportunity = 1
	// OpportunityStationary marks stationary foreground. Reserved; the
	// pipeline does not currently emit it.
	OpportunityStationary Opportunity = 2
	// OpportunityMoving marks a pixel inside the object mask but outside the
	// shadow mask.
	OpportunityMoving Opportunity = 3
)

// Mixture models one pixel's luminance distribution as a fixed set of
// Gaussians plus the pixel's current learning rate. All methods mutate only
// the receiver, so distinct mixtures may be driven from distinct goroutines
// without locking.
//
// Init must be called before the first Update.
type Mixture struct {
	gaussians []Gaussian
	eta       float64
	params    *Params
	trace     []float64
}

// NewMixture creates a single mixture with its own component storage.
// Callers holding one mixture per pixel should prefer NewMixtures, which
// backs all component slices with one allocation.
func NewMixture(p *Params) *Mixture {
	return &Mixture{
		gaussians: make([]Gaussian, p.Gaussians),
		params:    p,
	}
}

// NewMixtures creates count mixtures sharing a single contiguous backing
// array of Gaussians. The caller keeps ownership of the returned slice;
// mixtures are addressed by index.
func NewMixtures(count int, p *Params) ([]Mixture, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	backing := make([]Gaussian, count*p.Gaussians)
	ms := make([]Mixture, count)
	for i := range ms {
		ms[i] = Mixture{
			gaussians: backing[i*p.Gaussians : (i+1)*p.Gaussians],
			params:    p,
		}
	}
	return ms, nil
}

// Init populates every component from the first observed intensity and
// resets the learning rate to the detection gain.
func (m *Mixture) Init(intensity float64) {
	p := m.params
	w := 1.0 / float64(len(m.gaussians))
	for i := range m.gaussians {
		m.gaussians[i] = Gaussian{Mean: intensity, Variance: p.InitVariance, Weight: w}
	}
	m.eta = p.BetaD
	if p.TraceEta {
		m.trace = append(m.trace[:0], m.eta)
	}
}

// Update advances the mixture one time step with a new intensity sample.
//
// The matched component is the highest-weighted one whose mean lies within
// 2.5 standard deviations of the sample (inclusive; smallest index wins
// ties). All weights are renewed with the current learning rate, the matched
// component's mean and variance move by rho = alpha * density, and when
// nothing matches the lowest-weighted component is overwritten with a fresh
// Gaussian at the sample. Weights are renormalized afterward; a degenerate
// all-zero weight sum reinitializes the mixture from the sample instead of
// dividing by zero.
func (m *Mixture) Update(intensity float64) {
	p := m.params

	// Model matching. d_n = -w_n inside the 2.5 sigma window, +inf outside;
	// the argmin picks the heaviest matching component.
	matched := -1
	best := math.Inf(1)
	for i := range m.gaussians {
		g := &m.gaussians[i]
		if math.Abs(intensity-g.Mean) <= 2.5*math.Sqrt(g.Variance) {
			if d := -g.Weight; d < best {
				best = d
				matched = i
			}
		}
	}

	// Weight renewal.
	for i := range m.gaussians {
		g := &m.gaussians[i]
		if i == matched {
			g.Weight = (1-m.eta)*g.Weight + m.eta
		} else {
			g.Weight = (1 - m.eta) * g.Weight
		}
	}

	if matched >= 0 {
		g := &m.gaussians[matched]
		rho := p.Alpha * g.Density(intensity)
		if math.IsNaN(rho) || math.IsInf(rho, 0) {
			rho = 0
		}
		g.Mean = (1-rho)*g.Mean + rho*intensity
		d := intensity - g.Mean
		g.Variance = (1-rho)*g.Variance + rho*d*d
		if math.IsNaN(g.Variance) || math.IsInf(g.Variance, 0) || g.Variance < p.MinVariance {
			g.Variance = p.MinVariance
		}
	} else {
		// Replacement: overwrite the lowest-weighted component.
		lowest := 0
		for i := 1; i < len(m.gaussians); i++ {
			if m.gaussians[i].Weight < m.gaussians[lowest].Weight {
				lowest = i
			}
		}
		m.gaussians[lowest] = Gaussian{
			Mean:     intensity,
			Variance: p.InitVariance,
			Weight:   1.0 / float64(len(m.gaussians)),
		}
	}

	// Normalize.
	var sum float64
	for i := range m.gaussians {
		sum += m.gaussians[i].Weight
	}
	if sum == 0 {
		m.Init(intensity)
		return
	}
	for i := range m.gaussians {
		m.gaussians[i].Weight /= sum
	}
}

// IsForeground reports whether the pixel is currently foreground: true when
// the highest-weighted component's weight sits below the weight threshold.
func (m *Mixture) IsForeground() bool {
	return m.gaussians[m.dominant()].Weight < m.params.WeightThreshold
}

// dominant returns the index of the highest-weighted component, smallest
// index winning ties.
func (m *Mixture) dominant() int {
	best := 0
	for i := 1; i < len(m.gaussians); i++ {
		if m.gaussians[i].Weight > m.gaussians[best].Weight {
			best = i
		}
	}
	return best
}

// RegulateEta updates the learning rate from the pixel's prior classification.
//
// Background relaxes eta toward the steady-state baseline; shadow raises it
// in proportion to how well the sample fits the dominant component, bounded
// by [BetaS, BetaB]; stationary and moving foreground pin it to their
// respective floors. The result is always clamped to the admissible range.
func (m *Mixture) RegulateEta(o Opportunity, intensity float64) {
	p := m.params
	switch o {
	case OpportunityBackground:
		m.eta = (1-p.BetaB)*m.eta + p.BetaB*p.EtaBaseline
	case OpportunityShadow:
		g := m.gaussians[m.dominant()]
		m.eta = p.BetaD * g.Density(intensity)
		if m.eta > p.BetaB {
			m.eta = p.BetaB
		}
		if m.eta < p.BetaS {
			m.eta = p.BetaS
		}
	case OpportunityStationary:
		m.eta = p.BetaS
	case OpportunityMoving:
		m.eta = p.BetaM
	}
	if m.eta < p.BetaM {
		m.eta = p.BetaM
	}
	if ceil := p.etaCeiling(); m.eta > ceil {
		m.eta = ceil
	}
	if p.TraceEta {
		m.trace = append(m.trace, m.eta)
	}
}

// Eta returns the current learning rate.
func (m *Mixture) Eta() float64 {
	return m.eta
}

// EtaTrace returns the recorded learning-rate history. It is nil unless the
// model was built with TraceEta enabled.
func (m *Mixture) EtaTrace() []float64 {
	return m.trace
}

// Gaussians returns a copy of the component vector.
func (m *Mixture) Gaussians() []Gaussian {
	out := make([]Gaussian, len(m.gaussians))
	copy(out, m.gaussians)
	return out
}

// Background returns the mixture's model value for the pixel: the
// weight-averaged mean over all components. With normalized weights this is
// the expected background luminance.
func (m *Mixture) Background() float64 {
	var avg float64
	for i := range m.gaussians {
		avg += m.gaussians[i].Mean * m.gaussians[i].Weight
	}
	return avg
}
