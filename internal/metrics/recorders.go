package metrics

// Recorder methods used by the orchestrator. Kept as plain methods so the
// orchestrator depends on a narrow interface rather than this package.

func (m *Metrics) ReservationOutcome(outcome string) {
	m.ReservationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Settlement(reservedCents, realizedCents int64) {
	m.SettlementsTotal.Inc()
	m.ReservedCentsTotal.Add(float64(reservedCents))
	m.RealizedCentsTotal.Add(float64(realizedCents))
}

func (m *Metrics) Release(reason string) {
	m.ReleasesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) BudgetRejection() {
	m.BudgetRejectionsTotal.Inc()
}

func (m *Metrics) LockConflict() {
	m.LockConflictsTotal.Inc()
}

func (m *Metrics) EstimatorViolation() {
	m.EstimatorViolationsTotal.Inc()
}
