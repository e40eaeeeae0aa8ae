package store

import "context"

// FreshSetCounter is an optional store capability: counting the fresh
// candidate sets that a retrieval pass would mark stale, without mutating
// anything. Older store schemas cannot answer this cheaply, so retrieval
// dry-runs degrade gracefully when the capability is absent.
type FreshSetCounter interface {
	CountFreshCandidateSets(ctx context.Context, sourceItemID int64) (int, error)
}

// FreshSetCount is the resolved form of the capability. Resolve it once at
// startup with ResolveFreshSetCounter and pass it down; callers branch on
// Available instead of probing the store per call.
type FreshSetCount struct {
	Available bool
	Count     func(ctx context.Context, sourceItemID int64) (int, error)
}

// ResolveFreshSetCounter checks whether s supports fresh-set counting.
func ResolveFreshSetCounter(s Store) FreshSetCount {
	counter, ok := s.(FreshSetCounter)
	if !ok {
		return FreshSetCount{}
	}
	return FreshSetCount{Available: true, Count: counter.CountFreshCandidateSets}
}
