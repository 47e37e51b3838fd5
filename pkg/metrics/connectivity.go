package metrics

// ConnectivityMetrics provides observability for the link supervisor.
//
// States and phases are passed as their string names so this package does
// not depend on the supervisor.
type ConnectivityMetrics interface {
	// SetState marks state as current. Exactly one state gauge is 1.
	SetState(state string)

	// RecordTransition counts a state transition.
	RecordTransition(from, to string)

	// RecordFailure counts a failed attempt in the given phase.
	RecordFailure(phase string)

	// SetConsecutiveFailures updates the current failure streak.
	SetConsecutiveFailures(n int)
}
