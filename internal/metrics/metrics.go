// Package metrics exposes Prometheus counters for the trust engine. Nothing
// here serves HTTP; the host decides how a registry is scraped.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "proofi"

type Collectors struct {
	tokensIssued      prometheus.Counter
	tokensRevoked     prometheus.Counter
	decisions         *prometheus.CounterVec
	masterKeyRotation prometheus.Counter
	credentialChecks  *prometheus.CounterVec
	attestationChecks *prometheus.CounterVec
}

// New builds the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is what tests of unrelated packages want.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "tokens_issued_total",
			Help:      "Capability tokens issued.",
		}),
		tokensRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "tokens_revoked_total",
			Help:      "Capability tokens moved to revoked.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "permission_decisions_total",
			Help:      "Permission checks by outcome reason.",
		}, []string{"reason"}),
		masterKeyRotation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capability",
			Name:      "master_key_rotations_total",
			Help:      "Issuer master key rotations.",
		}),
		credentialChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credential",
			Name:      "verifications_total",
			Help:      "Credential verifications by result.",
		}, []string{"result"}),
		attestationChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attestation",
			Name:      "verifications_total",
			Help:      "Attestation verifications by result.",
		}, []string{"result"}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{
		c.tokensIssued,
		c.tokensRevoked,
		c.decisions,
		c.masterKeyRotation,
		c.credentialChecks,
		c.attestationChecks,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collectors) TokenIssued() {
	c.tokensIssued.Inc()
}

func (c *Collectors) TokensRevoked(n int) {
	if n > 0 {
		c.tokensRevoked.Add(float64(n))
	}
}

func (c *Collectors) PermissionDecision(reason string) {
	c.decisions.WithLabelValues(reason).Inc()
}

func (c *Collectors) MasterKeyRotated() {
	c.masterKeyRotation.Inc()
}

func (c *Collectors) CredentialVerified(result string) {
	c.credentialChecks.WithLabelValues(result).Inc()
}

// AttestationVerified takes the failing stage, or "valid".
func (c *Collectors) AttestationVerified(result string) {
	c.attestationChecks.WithLabelValues(result).Inc()
}
