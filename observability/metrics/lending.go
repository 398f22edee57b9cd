package metrics

import (
	"errors"
	"math"
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LendingMetrics struct {
	operations      *prometheus.CounterVec
	liquidations    prometheus.Counter
	liquidationPaid prometheus.Counter
	protocolFees    prometheus.Counter
	openPositions   prometheus.Gauge
	outstandingDebt prometheus.Gauge
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

// Lending returns the lazily-initialised registry for vault operations.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lpvault",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Vault operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lpvault",
				Subsystem: "lending",
				Name:      "liquidations_total",
				Help:      "Number of positions liquidated.",
			}),
			liquidationPaid: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lpvault",
				Subsystem: "lending",
				Name:      "liquidation_payments_total",
				Help:      "Debt-asset units paid by liquidators.",
			}),
			protocolFees: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lpvault",
				Subsystem: "lending",
				Name:      "protocol_fees_total",
				Help:      "Debt-asset units credited to the treasury.",
			}),
			openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lpvault",
				Subsystem: "lending",
				Name:      "open_positions",
				Help:      "Positions currently held in custody.",
			}),
			outstandingDebt: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lpvault",
				Subsystem: "lending",
				Name:      "outstanding_debt",
				Help:      "Aggregate principal owed across positions.",
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.liquidations,
			lendingRegistry.liquidationPaid,
			lendingRegistry.protocolFees,
			lendingRegistry.openPositions,
			lendingRegistry.outstandingDebt,
		)
	})
	return lendingRegistry
}

// ObserveOperation counts an entry point call. The outcome label is the
// error text when it is one of the known sentinels, otherwise "error".
func (m *LendingMetrics) ObserveOperation(operation string, err error, known ...error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		for _, sentinel := range known {
			if errors.Is(err, sentinel) {
				outcome = sentinel.Error()
				break
			}
		}
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *LendingMetrics) ObserveLiquidation(payment, fee *big.Int) {
	if m == nil {
		return
	}
	m.liquidations.Inc()
	m.liquidationPaid.Add(bigToFloat(payment))
	m.protocolFees.Add(bigToFloat(fee))
}

func (m *LendingMetrics) ObserveProtocolFee(fee *big.Int) {
	if m == nil {
		return
	}
	m.protocolFees.Add(bigToFloat(fee))
}

func (m *LendingMetrics) SetBook(open uint64, debt *big.Int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(open))
	m.outstandingDebt.Set(bigToFloat(debt))
}

func bigToFloat(value *big.Int) float64 {
	if value == nil || value.Sign() <= 0 {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
