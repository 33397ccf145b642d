package detector

import (
	"fmt"

	"github.com/kestrelsec/kestrel/internal/domain"
)

// Reuse flags device fingerprints shared across identities. An exact hash
// collision means the same device re-registered; a sub-signature overlap
// (canvas, webgl or audio hash) catches partial spoofing where the composite
// hash was perturbed but the expensive-to-fake components were not.
type Reuse struct {
	Config domain.DetectorConfig
}

func (d *Reuse) Name() string { return "fingerprint_reuse" }

func (d *Reuse) Evaluate(snap *Snapshot) domain.DetectionResult {
	var result domain.DetectionResult

	if snap.HashSiblings > 0 {
		result.Add(4, 4, domain.PatternDuplicateHash,
			fmt.Sprintf("device hash shared by %d other identities", snap.HashSiblings))
	}

	if snap.SignatureSiblings > d.Config.SimilarSignatureMin {
		result.Add(3, 3, domain.PatternSimilarSignature,
			fmt.Sprintf("device sub-signature shared by %d other identities", snap.SignatureSiblings))
	}

	if result.RiskScore > 0 {
		result.Confidence = 0.85
	}
	return result
}
