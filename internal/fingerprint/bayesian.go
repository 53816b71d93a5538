package fingerprint

import (
	"fmt"
	"math"
)

// LikelihoodModel captures how strongly one evidence discriminates
// between "same device" and "different device".
type LikelihoodModel struct {
	// ProbSame is P(evidence matches | same device).
	ProbSame float64

	// ProbDifferent is P(evidence matches | different device), i.e. the
	// collision probability of the evidence across distinct devices.
	ProbDifferent float64
}

// matchRatio is the log-likelihood ratio contributed when the evidence
// matches between readings.
func (m LikelihoodModel) matchRatio() float64 {
	return math.Log(m.ProbSame / m.ProbDifferent)
}

// mismatchRatio is the log-likelihood ratio contributed when the
// evidence differs between readings. Negative for any sane model.
func (m LikelihoodModel) mismatchRatio() float64 {
	return math.Log((1 - m.ProbSame) / (1 - m.ProbDifferent))
}

// Result is the outcome of a Bayesian identification.
type Result struct {
	// SameDevice is true when the posterior reached the threshold.
	SameDevice bool `json:"same_device"`

	// Confidence is the posterior probability that the two readings came
	// from the same physical device.
	Confidence float64 `json:"confidence"`

	// Evidence summarizes, per component, what was compared and how it
	// went. Intended for operator-facing diagnostics.
	Evidence []string `json:"evidence"`
}

// BayesianIdentifier scores whether two fingerprint readings came from
// the same physical device by summing weighted log-likelihood ratios
// over the independent evidences.
//
// The identifier is read-only after construction and safe for
// concurrent use from any number of goroutines.
type BayesianIdentifier struct {
	// PriorSame is the prior probability that the reading is the same
	// device, before any evidence is considered.
	PriorSame float64

	// Threshold is the posterior required to declare "same device".
	Threshold float64

	// Models holds the likelihood model per evidence name. The default
	// models set in NewBayesianIdentifier are deliberately conservative
	// for evidences with high cross-device collision rates (capacity).
	Models map[string]LikelihoodModel
}

// NewBayesianIdentifier returns an identifier with the documented
// default priors and a 0.95 confidence threshold.
func NewBayesianIdentifier() *BayesianIdentifier {
	return &BayesianIdentifier{
		PriorSame: 0.5,
		Threshold: 0.95,
		Models: map[string]LikelihoodModel{
			// We assign the ID ourselves, so collisions are negligible.
			"soradyne_id": {ProbSame: 0.999, ProbDifferent: 0.000001},
			// Serial numbers are near-unique but occasionally cloned.
			"hardware_id": {ProbSame: 0.95, ProbDifferent: 0.0001},
			"filesystem_uuid": {ProbSame: 0.99, ProbDifferent: 0.00001},
			// The bad-block signature drifts as media decays.
			"bad_block_signature": {ProbSame: 0.90, ProbDifferent: 0.001},
			// Many cards of the same model share a capacity.
			"capacity": {ProbSame: 0.80, ProbDifferent: 0.1},
		},
	}
}

// Identify compares a current reading against a stored one and returns
// the posterior-scored verdict. Unavailable evidences (empty optional
// components on either side) contribute nothing to the score and are
// noted in the evidence summary.
//
// Identify never rejects on its own authority: callers combine it with
// Fingerprint.IsValidEvolution, which gates on pinned components first.
func (b *BayesianIdentifier) Identify(current, previous Fingerprint) Result {
	logOdds := math.Log(b.PriorSame / (1 - b.PriorSame))
	var evidence []string

	score := func(name string, available, matches bool) {
		model, ok := b.Models[name]
		if !ok || !available {
			evidence = append(evidence, fmt.Sprintf("%s unavailable", name))
			return
		}
		if matches {
			logOdds += model.matchRatio()
			evidence = append(evidence, fmt.Sprintf("%s matches", name))
		} else {
			logOdds += model.mismatchRatio()
			evidence = append(evidence, fmt.Sprintf("%s differs", name))
		}
	}

	score("soradyne_id",
		current.SoradyneID != "" && previous.SoradyneID != "",
		current.SoradyneID == previous.SoradyneID)
	score("hardware_id",
		current.HardwareID != "" && previous.HardwareID != "",
		current.HardwareID == previous.HardwareID)
	score("filesystem_uuid",
		current.FilesystemUUID != "" && previous.FilesystemUUID != "",
		current.FilesystemUUID == previous.FilesystemUUID)
	score("bad_block_signature", true,
		current.BadBlockSignature == previous.BadBlockSignature)
	score("capacity", true,
		current.CapacityBytes == previous.CapacityBytes)

	posterior := 1 / (1 + math.Exp(-logOdds))
	return Result{
		SameDevice: posterior >= b.Threshold,
		Confidence: posterior,
		Evidence:   evidence,
	}
}
