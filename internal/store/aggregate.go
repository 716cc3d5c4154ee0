package store

// BatchAggregate is the derived state of a parent run given its children.
type BatchAggregate struct {
	Total        int
	SuccessCount int
	FailedCount  int
	PendingCount int
	EventsFound  int
	PagesCrawled int
	Status       RunStatus
	Finished     bool
}

// DeriveBatchAggregate computes a parent run's rolled-up status and counters
// as a pure function of its children. Partial counts as failed: some work
// got done, but not all of it. The parent stays running while any child is
// still pending; otherwise it is partial if any child failed, success if
// none did.
func DeriveBatchAggregate(children []Run) BatchAggregate {
	agg := BatchAggregate{Total: len(children)}

	for _, child := range children {
		switch child.Status {
		case RunStatusSuccess:
			agg.SuccessCount++
		case RunStatusError, RunStatusPartial:
			agg.FailedCount++
		default:
			agg.PendingCount++
		}
		agg.EventsFound += child.EventsFound
		agg.PagesCrawled += child.PagesCrawled
	}

	switch {
	case agg.PendingCount > 0:
		agg.Status = RunStatusRunning
	case agg.FailedCount > 0:
		agg.Status = RunStatusPartial
	default:
		agg.Status = RunStatusSuccess
	}
	agg.Finished = agg.PendingCount == 0 && agg.Total > 0

	return agg
}
