package replisync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"replisync/cycle"
)

// State is the ReplicationState facade of spec.md §3: the handle Replicate
// returns, exposing the observable event streams and lifecycle controls a
// caller uses to drive and monitor a running replication.
type State[T Document] struct {
	runner     *cycle.Runner[T]
	collection Collection[T]
	opts       Options[T]

	cancelFunc context.CancelFunc

	stoppedOnce sync.Once
	stopped     chan struct{}
}

// Received exposes every document applied locally from a pull cycle.
func (s *State[T]) Received() (<-chan WithDeleted[T], func()) {
	return s.runner.Received()
}

// Send exposes every document successfully pushed to the remote (spec.md
// §3's send$).
func (s *State[T]) Send() (<-chan WithDeleted[T], func()) {
	return s.runner.Sent()
}

// Error exposes every push/pull handler error, pulled-document validation
// error, and missing-pull-handler invariant error a cycle encountered.
// Checkpoint, change-feed, and local-storage failures are not emitted here;
// they end the cycle and are returned from Run (or logged, for cycles the
// replication starts on its own).
func (s *State[T]) Error() (<-chan error, func()) {
	return s.runner.Errors()
}

// Active reports whether a cycle is currently running.
func (s *State[T]) Active() (<-chan bool, func()) {
	return s.runner.Active()
}

// Canceled reports whether Cancel has been called.
func (s *State[T]) Canceled() (<-chan bool, func()) {
	return s.runner.Canceled()
}

// InitialReplicationComplete reports whether the first push+pull cycle has
// finished at least once.
func (s *State[T]) InitialReplicationComplete() (<-chan bool, func()) {
	return s.runner.InitialReplicationComplete()
}

// Run triggers one more replication cycle, coalesced with any cycle
// already in flight. With no cycle in flight it runs one and waits for it
// to finish; with a cycle in flight it queues one follow-up cycle and
// returns nil at once, without waiting for either. If the replication is
// already stopped - canceled, its collection destroyed, or (for a
// non-live replication) its one-and-only cycle already complete - Run
// resolves immediately without doing anything (spec.md §4.4 step 1).
func (s *State[T]) Run(ctx context.Context, retryOnFail bool) error {
	if s.IsStopped() {
		return nil
	}
	return s.runner.Run(ctx, retryOnFail)
}

// AwaitInitialReplication blocks until the first push+pull cycle has
// completed, or ctx is done.
func (s *State[T]) AwaitInitialReplication(ctx context.Context) error {
	ch, unsubscribe := s.runner.InitialReplicationComplete()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case done, ok := <-ch:
			if !ok {
				return ErrStopped
			}
			if done {
				return nil
			}
		}
	}
}

// IsStopped reports whether this replication has been canceled, its
// collection destroyed, or - for a non-live replication - whether the
// (only) initial cycle has already completed (spec.md §3).
func (s *State[T]) IsStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
	}
	if s.runner.IsCanceled() || s.collection.Destroyed() {
		return true
	}
	return !s.opts.Live && s.runner.IsInitialReplicationComplete()
}

// Cancel stops the replication: no further cycle starts, the live loops
// exit, and the observable subjects are closed. It blocks until internal
// goroutines have wound down or ctx is done, whichever comes first.
func (s *State[T]) Cancel(ctx context.Context) error {
	s.runner.Cancel()
	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return nil
	}
}

func (s *State[T]) markStopped() {
	s.stoppedOnce.Do(func() {
		close(s.stopped)
		s.runner.Close()
	})
}

func (s *State[T]) logWarn(msg string, fields ...zap.Field) {
	s.opts.Logger.Warn(msg, fields...)
}
