package decision

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/mbd888/agentspend/internal/audit"
	"github.com/mbd888/agentspend/internal/budget"
	"github.com/mbd888/agentspend/internal/policy"
	"github.com/mbd888/agentspend/internal/pricing"
)

// policyView is the part of a policy layer that affects a decision.
// Timestamps are left out so a replay against the same rules matches.
type policyView struct {
	Version     int64        `json:"version"`
	Enforcement string       `json:"enforcement"`
	Rules       policy.Rules `json:"rules"`
}

type snapshotView struct {
	Version string      `json:"version"`
	System  *policyView `json:"system,omitempty"`
	User    *policyView `json:"user,omitempty"`
}

type costView struct {
	Estimate *pricing.Estimate `json:"estimate,omitempty"`
	Budget   *budget.Snapshot  `json:"budget,omitempty"`
}

type fingerprintInput struct {
	Request  *Request      `json:"request"`
	Policy   *snapshotView `json:"policy,omitempty"`
	Cost     costView      `json:"cost"`
	Baseline string        `json:"baseline"`
}

func viewOf(p *policy.Policy) *policyView {
	if p == nil {
		return nil
	}
	return &policyView{Version: p.Version, Enforcement: p.Enforcement, Rules: p.Rules}
}

// Fingerprint hashes the inputs a decision was made from: the request, the
// policy snapshot, the cost snapshot (estimate and budget balance) and the
// baseline reference. Any input may be nil when the pipeline stopped before
// it was loaded.
func Fingerprint(req *Request, snap *policy.Snapshot, est *pricing.Estimate, bal *budget.Snapshot, baselineRef string) (string, error) {
	in := fingerprintInput{
		Request:  req,
		Cost:     costView{Estimate: est, Budget: bal},
		Baseline: baselineRef,
	}
	if snap != nil && snap.System != nil {
		in.Policy = &snapshotView{
			Version: snap.Version(),
			System:  viewOf(snap.System),
			User:    viewOf(snap.User),
		}
	}
	data, err := audit.Canonical(in)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
