package identity

import "github.com/prometheus/client_golang/prometheus"

var (
	// loginsTotal counts login attempts by outcome.
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_logins_total",
			Help: "Login attempts",
		},
		[]string{"outcome"},
	)

	// materializationsTotal counts canonical identities created from
	// legacy-store matches, by source store.
	materializationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_legacy_materializations_total",
			Help: "Identities materialized from legacy stores",
		},
		[]string{"store"},
	)

	// refreshRotationsTotal counts refresh-token rotations by outcome.
	refreshRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_refresh_rotations_total",
			Help: "Refresh token rotations",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		loginsTotal,
		materializationsTotal,
		refreshRotationsTotal,
	)
}
