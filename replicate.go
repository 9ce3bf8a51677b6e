package replisync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"replisync/cache"
	"replisync/checkpoint"
	"replisync/cycle"
	"replisync/replidoc"
	"replisync/revision"
)

// Replicate wires a Collection to a remote through a pull handler, a push
// handler, or both, and starts running replication cycles in the
// background. It returns immediately with a State handle; the initial
// cycle (and, if Live is set, every subsequent one) runs on its own
// goroutine (spec.md §4.5's replicateRxCollection).
func Replicate[T Document](ctx context.Context, opts Options[T]) (*State[T], error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	backend := opts.CheckpointCache
	if backend == nil {
		backend = cache.NewMemoryCache[checkpoint.Checkpoint[T]](cache.DefaultOptions())
	}
	store := checkpoint.NewCacheStore[T](backend, checkpoint.WithLogger[T](opts.Logger))

	runnerOpts := cycle.DefaultOptions[T]()
	runnerOpts.CollectionName = opts.CollectionName
	runnerOpts.Identity = opts.ReplicationIdentifier
	runnerOpts.CheckpointStore = store
	runnerOpts.ChangeFeed = &collectionFeed[T]{collection: opts.Collection}
	runnerOpts.LocalWriter = &collectionWriter[T]{collection: opts.Collection}
	runnerOpts.IdleRequester = opts.Collection
	runnerOpts.Logger = opts.Logger
	runnerOpts.RetryTime = opts.RetryTime

	if opts.Pull != nil {
		pull := opts.Pull.Handler
		runnerOpts.PullBatchSize = opts.Pull.BatchSize
		runnerOpts.PullHandler = func(ctx context.Context, lastPulled *replidoc.WithDeleted[T], _ int) (cycle.PullResult[T], error) {
			result, err := pull(ctx, lastPulled)
			if err != nil {
				return cycle.PullResult[T]{}, err
			}
			return cycle.PullResult[T]{
				Documents:      result.Documents,
				HasMoreChanges: result.HasMoreDocuments,
			}, nil
		}
	}

	if opts.Push != nil {
		push := opts.Push.Handler
		runnerOpts.PushBatchSize = opts.Push.BatchSize
		runnerOpts.PushHandler = func(ctx context.Context, rows []cycle.PushRow[T]) ([]replidoc.WithDeleted[T], error) {
			docs := make([]replidoc.WithDeleted[T], len(rows))
			for i, row := range rows {
				docs[i] = row.NewDocumentState
			}
			return nil, push(ctx, docs)
		}
	}

	runner := cycle.NewRunner(runnerOpts)

	runCtx, cancelFunc := context.WithCancel(ctx)
	state := &State[T]{
		runner:     runner,
		collection: opts.Collection,
		opts:       opts,
		cancelFunc: cancelFunc,
		stopped:    make(chan struct{}),
	}

	go state.controlLoop(runCtx)

	return state, nil
}

// controlLoop drives one replication end to end: it waits for leadership
// if required, runs the initial cycle, then either marks the State stopped
// and returns (non-live mode - later manual Run calls are no-ops) or keeps
// re-triggering cycles until canceled (live mode).
func (s *State[T]) controlLoop(ctx context.Context) {
	defer s.cancelFunc()

	go func() {
		select {
		case <-s.collection.OnDestroy():
			s.runner.Cancel()
			s.cancelFunc()
		case <-ctx.Done():
		}
	}()

	if s.opts.WaitForLeadership && s.collection.Database().MultiInstance() {
		if err := s.collection.Database().WaitForLeadership(ctx); err != nil {
			s.logWarn("leadership election did not complete", zap.Error(err))
			s.markStopped()
			return
		}
	}

	if s.runner.IsCanceled() || ctx.Err() != nil {
		s.markStopped()
		return
	}

	s.runCycle(ctx)

	if !s.opts.Live {
		// A non-live replication is done after its one cycle: isStopped()
		// becomes true (spec.md §3) and further manual Run calls are
		// silent no-ops (spec.md §4.4 step 1).
		s.markStopped()
		return
	}

	var wg sync.WaitGroup
	if s.opts.Pull != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.livePullLoop(ctx)
		}()
	}
	if s.opts.Push != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.livePushLoop(ctx)
		}()
	}
	wg.Wait()
	s.markStopped()
}

func (s *State[T]) runCycle(ctx context.Context) {
	if err := s.runner.Run(ctx, true); err != nil {
		s.logWarn("replication cycle failed", zap.Error(err), zap.String("identity", s.opts.ReplicationIdentifier))
	}
}

func (s *State[T]) livePullLoop(ctx context.Context) {
	canceled, unsubscribe := s.runner.Canceled()
	defer unsubscribe()

	ticker := time.NewTicker(s.opts.LiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-canceled:
			if !ok || c {
				return
			}
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *State[T]) livePushLoop(ctx context.Context) {
	canceled, unsubscribe := s.runner.Canceled()
	defer unsubscribe()

	events, err := s.collection.Subscribe(ctx)
	if err != nil {
		s.logWarn("subscribing for live push failed", zap.Error(err))
		return
	}

	tagger := revision.NewTagger[T]()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-canceled:
			if !ok || c {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			// A write this identity's own pull just applied carries a
			// pull-tagged revision; running a cycle for it would push it
			// straight back to the remote it came from (spec.md §4.5 step
			// 4, §4.2, §9).
			if tagger.WasFromPullReplication(s.opts.ReplicationIdentifier, event.Doc.ToWithDeleted(), event.Doc.Rev) {
				continue
			}
			s.runCycle(ctx)
		}
	}
}
