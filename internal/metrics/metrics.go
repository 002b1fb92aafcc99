// Package metrics exposes Prometheus collectors for the registry and agents.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegistryEndpoints tracks the number of endpoints known to the registry
	RegistryEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridtrade_registry_endpoints",
			Help: "Number of trading endpoints registered with the registry",
		},
	)

	// BroadcastDeliveriesTotal counts per-endpoint search deliveries by outcome
	BroadcastDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridtrade_broadcast_deliveries_total",
			Help: "Search deliveries attempted by the registry fan-out",
		},
		[]string{"status"},
	)

	// NegotiationsTotal counts finished negotiations by side and outcome
	NegotiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridtrade_negotiations_total",
			Help: "Negotiations that reached a terminal state",
		},
		[]string{"agent", "side", "outcome"},
	)

	// ActiveNegotiations tracks machines that are not yet terminal
	ActiveNegotiations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridtrade_negotiations_active",
			Help: "Negotiation state machines that are still in flight",
		},
		[]string{"agent", "side"},
	)

	// SearchDecisionsTotal counts how sellers answered searches
	SearchDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridtrade_search_decisions_total",
			Help: "Seller decisions on inbound searches",
		},
		[]string{"agent", "decision"},
	)

	// LedgerEnergyTotal accumulates kWh applied to the ledger
	LedgerEnergyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridtrade_ledger_energy_kwh_total",
			Help: "Energy applied to the ledger in kWh",
		},
		[]string{"agent", "direction"},
	)

	// LedgerDuplicatesTotal counts repeated ledger applications that were ignored
	LedgerDuplicatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridtrade_ledger_duplicates_total",
			Help: "Ledger operations skipped because the transaction was already applied",
		},
		[]string{"agent"},
	)

	// AgentEnergy tracks the stored energy of each agent
	AgentEnergy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridtrade_agent_energy_kwh",
			Help: "Current stored energy of the agent in kWh",
		},
		[]string{"agent"},
	)

	// DeliveryDuration tracks point-to-point message delivery latency in seconds
	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridtrade_delivery_duration_seconds",
			Help:    "Duration of negotiation message deliveries in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
		[]string{"action", "status"},
	)
)

// RecordBroadcastDelivery counts one fan-out delivery
func RecordBroadcastDelivery(ok bool) {
	BroadcastDeliveriesTotal.WithLabelValues(status(ok)).Inc()
}

// RecordNegotiationStarted increments the active machine gauge
func RecordNegotiationStarted(agent, side string) {
	ActiveNegotiations.WithLabelValues(agent, side).Inc()
}

// RecordNegotiationFinished moves a machine from active to its outcome
func RecordNegotiationFinished(agent, side, outcome string) {
	ActiveNegotiations.WithLabelValues(agent, side).Dec()
	NegotiationsTotal.WithLabelValues(agent, side, outcome).Inc()
}

// RecordSearchDecision counts a seller's response to a search
func RecordSearchDecision(agent, decision string) {
	SearchDecisionsTotal.WithLabelValues(agent, decision).Inc()
}

// RecordLedger records an applied ledger mutation and the resulting energy level
func RecordLedger(agent, direction string, appliedKWh, energyAfter float64) {
	if appliedKWh > 0 {
		LedgerEnergyTotal.WithLabelValues(agent, direction).Add(appliedKWh)
	}
	AgentEnergy.WithLabelValues(agent).Set(energyAfter)
}

// RecordLedgerDuplicate counts a skipped duplicate application
func RecordLedgerDuplicate(agent string) {
	LedgerDuplicatesTotal.WithLabelValues(agent).Inc()
}

// SetAgentEnergy sets the stored energy gauge
func SetAgentEnergy(agent string, kwh float64) {
	AgentEnergy.WithLabelValues(agent).Set(kwh)
}

// RecordDelivery records the latency of one outbound negotiation message
func RecordDelivery(action string, ok bool, durationSeconds float64) {
	DeliveryDuration.WithLabelValues(action, status(ok)).Observe(durationSeconds)
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
