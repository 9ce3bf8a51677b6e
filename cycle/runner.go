package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"replisync/changes"
	"replisync/checkpoint"
	"replisync/logx"
	"replisync/replidoc"
	"replisync/revision"
)

// PullResult is what a PullHandler returns: the next page of documents from
// the remote, and whether the remote believes more are waiting beyond this
// page (spec.md §6).
type PullResult[T replidoc.Document] struct {
	Documents      []replidoc.WithDeleted[T]
	HasMoreChanges bool
}

// PullHandler fetches the next page of remote changes after lastPulledDoc
// (nil on the very first call for this identity), bounded by batchSize.
type PullHandler[T replidoc.Document] func(ctx context.Context, lastPulledDoc *replidoc.WithDeleted[T], batchSize int) (PullResult[T], error)

// PushRow is one locally-changed document offered to the remote.
type PushRow[T replidoc.Document] struct {
	NewDocumentState replidoc.WithDeleted[T]
}

// PushHandler sends a batch of locally-changed rows to the remote and
// returns the subset the remote rejected along with its own current state
// for each - the caller applies those back locally the same way a pulled
// document is applied, so a rejected push never becomes an infinite retry
// loop (spec.md §6, §7).
type PushHandler[T replidoc.Document] func(ctx context.Context, rows []PushRow[T]) (conflicts []replidoc.WithDeleted[T], err error)

// LocalWriter is the collaborator contract the Cycle Runner uses to persist
// documents coming from the remote (via pull, or via a push conflict) back
// into local storage under a freshly tagged revision.
type LocalWriter[T replidoc.Document] interface {
	// ExistingRevisionHeight returns the current local revision height for
	// id, or 0 if the document does not exist locally yet.
	ExistingRevisionHeight(ctx context.Context, id string) (int64, error)
	// ApplyPulledDocuments writes docs into local storage, each already
	// tagged with the revision the Revision Tagger computed for it.
	ApplyPulledDocuments(ctx context.Context, docs []replidoc.LocalStoredDoc[T]) error
}

// IdleRequester lets the Cycle Runner defer to the collection's own
// background work once the initial sync has landed (spec.md §4.4 step 2).
type IdleRequester interface {
	RequestIdle(ctx context.Context) error
}

// Options configures a Runner. CollectionName, Identity, CheckpointStore,
// and ChangeFeed are required; PullHandler/PushHandler may each be nil to
// run a push-only or pull-only replication.
type Options[T replidoc.Document] struct {
	CollectionName string
	Identity       string

	CheckpointStore checkpoint.Store[T]
	ChangeFeed      changes.Feed[T]
	LocalWriter     LocalWriter[T]
	IdleRequester   IdleRequester

	PullHandler PullHandler[T]
	PushHandler PushHandler[T]

	PushBatchSize int
	PullBatchSize int

	// RetryTime is how long a cycle waits before re-attempting a failed
	// handler call when retryOnFail is set (spec.md §4.4).
	RetryTime time.Duration

	Logger *zap.Logger
}

// DefaultOptions fills in the tuning knobs that are safe to default;
// CollectionName, Identity, and the collaborators above must still be set
// by the caller.
func DefaultOptions[T replidoc.Document]() Options[T] {
	return Options[T]{
		PushBatchSize: 100,
		PullBatchSize: 100,
		RetryTime:     5 * time.Second,
		Logger:        logx.Logger,
	}
}

// errRetry signals handleCycleError's caller to loop and try the same step
// again rather than unwind the cycle.
var errRetry = errors.New("cycle: retry after backoff")

// ErrValidationFailed marks a LocalWriter.ApplyPulledDocuments error as a
// dev-mode schema validation failure on a document the remote sent (spec.md
// §4.4 step 6, §7): like a handler failure, it is emitted on error$ and
// retried, not treated as the fatal local-storage failure the rest of
// ApplyPulledDocuments' errors are.
var ErrValidationFailed = errors.New("cycle: pulled document failed schema validation")

// Runner executes one replication identity's push-then-pull cycle,
// serializing and coalescing concurrent Run calls and exposing the
// replication's observable facade (spec.md §4.4, §6).
type Runner[T replidoc.Document] struct {
	opts      Options[T]
	tagger    revision.Tagger[T]
	collector *changes.Collector[T]

	mu      sync.Mutex
	running bool
	queued  int

	canceled     chan struct{}
	canceledOnce sync.Once

	received                   *Subject[replidoc.WithDeleted[T]]
	sent                       *Subject[replidoc.WithDeleted[T]]
	errorsSubject              *Subject[error]
	active                     *BehaviorSubject[bool]
	canceledSubject            *BehaviorSubject[bool]
	initialReplicationComplete *BehaviorSubject[bool]
}

// NewRunner constructs a Runner. Unset tuning fields fall back to
// DefaultOptions.
func NewRunner[T replidoc.Document](opts Options[T]) *Runner[T] {
	defaults := DefaultOptions[T]()
	if opts.PushBatchSize <= 0 {
		opts.PushBatchSize = defaults.PushBatchSize
	}
	if opts.PullBatchSize <= 0 {
		opts.PullBatchSize = defaults.PullBatchSize
	}
	if opts.RetryTime <= 0 {
		opts.RetryTime = defaults.RetryTime
	}
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}

	return &Runner[T]{
		opts:                       opts,
		tagger:                     revision.NewTagger[T](),
		collector:                  changes.NewCollector[T](),
		canceled:                   make(chan struct{}),
		received:                   NewSubject[replidoc.WithDeleted[T]](),
		sent:                       NewSubject[replidoc.WithDeleted[T]](),
		errorsSubject:              NewSubject[error](),
		active:                     NewBehaviorSubject(false),
		canceledSubject:            NewBehaviorSubject(false),
		initialReplicationComplete: NewBehaviorSubject(false),
	}
}

// Received exposes every document applied locally from a pull cycle.
func (r *Runner[T]) Received() (<-chan replidoc.WithDeleted[T], func()) { return r.received.Subscribe() }

// Sent exposes every document successfully pushed to the remote.
func (r *Runner[T]) Sent() (<-chan replidoc.WithDeleted[T], func()) { return r.sent.Subscribe() }

// Errors exposes every push/pull handler error, pulled-document validation
// error, and missing-pull-handler invariant error a cycle encountered,
// whether or not it was retried. Checkpoint, change-feed, and local-storage
// failures are not emitted here; they are returned from Run.
func (r *Runner[T]) Errors() (<-chan error, func()) { return r.errorsSubject.Subscribe() }

// Active reports whether a cycle is currently running.
func (r *Runner[T]) Active() (<-chan bool, func()) { return r.active.Subscribe() }

// Canceled reports whether Cancel has been called.
func (r *Runner[T]) Canceled() (<-chan bool, func()) { return r.canceledSubject.Subscribe() }

// InitialReplicationComplete reports whether the first push+pull cycle has
// finished at least once.
func (r *Runner[T]) InitialReplicationComplete() (<-chan bool, func()) {
	return r.initialReplicationComplete.Subscribe()
}

// IsInitialReplicationComplete reports whether the first push+pull cycle
// has finished at least once, without subscribing.
func (r *Runner[T]) IsInitialReplicationComplete() bool {
	return r.initialReplicationComplete.Value()
}

// IsCanceled reports whether Cancel has been called, without subscribing.
func (r *Runner[T]) IsCanceled() bool {
	select {
	case <-r.canceled:
		return true
	default:
		return false
	}
}

// Cancel stops the runner from starting any further cycle. A cycle already
// in flight runs to completion; the next loop iteration or queued follower
// observes IsCanceled and exits instead of starting.
func (r *Runner[T]) Cancel() {
	r.canceledOnce.Do(func() {
		close(r.canceled)
		r.canceledSubject.Next(true)
	})
}

// Close releases the observable subjects. Call after the runner has
// stopped for good.
func (r *Runner[T]) Close() {
	r.received.Close()
	r.sent.Close()
	r.errorsSubject.Close()
	r.active.Close()
	r.canceledSubject.Close()
	r.initialReplicationComplete.Close()
}

// Run executes one push+pull cycle, or - if a cycle is already running on
// this Runner - marks that one more cycle should run immediately after the
// in-flight one finishes. At most one follow-up is ever queued: a third
// concurrent caller while one is already queued is a no-op, since by the
// time the queued cycle runs it will see any changes the third caller's
// concurrent calls are also reporting (spec.md §4.4's serialization and
// coalescing).
func (r *Runner[T]) Run(ctx context.Context, retryOnFail bool) error {
	r.mu.Lock()
	if r.running {
		if r.queued < 1 {
			r.queued++
		}
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()
	r.active.Next(true)

	var firstErr error
	for {
		if r.IsCanceled() {
			break
		}

		err := r.runOnce(ctx, retryOnFail)
		if firstErr == nil {
			firstErr = err
		}

		r.mu.Lock()
		if r.queued > 0 {
			r.queued--
			r.mu.Unlock()
			continue
		}
		r.running = false
		r.mu.Unlock()
		break
	}

	r.active.Next(false)
	return firstErr
}

// runOnce executes one push-then-pull cycle (spec.md §4.4's `_run`). Once
// the initial replication has completed, it yields to the collection's own
// idle request before doing any further work, deprioritizing background
// sync behind whatever the collection wants to do after first load; the
// very first cycle proceeds immediately instead.
func (r *Runner[T]) runOnce(ctx context.Context, retryOnFail bool) error {
	if r.initialReplicationComplete.Value() && r.opts.IdleRequester != nil {
		if err := r.opts.IdleRequester.RequestIdle(ctx); err != nil {
			r.opts.Logger.Debug("request idle failed", zap.Error(err))
		}
	}

	if r.opts.PushHandler != nil {
		if err := r.runPush(ctx, retryOnFail); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if r.opts.PullHandler != nil {
		if err := r.runPull(ctx, retryOnFail); err != nil {
			return err
		}
	}
	if !r.initialReplicationComplete.Value() {
		r.initialReplicationComplete.Next(true)
	}
	return nil
}

// handleCycleError publishes err to the error stream and, when retryOnFail
// is set, waits RetryTime and returns errRetry so the caller's loop can try
// the same step again. Checkpoint and local-storage failures are never
// routed through here (spec.md §9's decision on the point): those indicate
// a broken collaborator, not a transient remote hiccup, so they always
// unwind the cycle immediately.
func (r *Runner[T]) handleCycleError(ctx context.Context, retryOnFail bool, err error) error {
	r.errorsSubject.Next(err)
	r.opts.Logger.Warn("replication cycle error",
		zap.String("collection", r.opts.CollectionName),
		zap.String("identity", r.opts.Identity),
		zap.Error(err))

	if !retryOnFail {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.canceled:
		return err
	case <-time.After(r.opts.RetryTime):
		return errRetry
	}
}

// runPush drains the change feed in PushBatchSize pages, looping (rather
// than recursing, per spec.md §9) until a page comes back smaller than the
// batch size, meaning nothing is left to push right now.
func (r *Runner[T]) runPush(ctx context.Context, retryOnFail bool) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastSeq, err := r.opts.CheckpointStore.GetLastPushSequence(ctx, r.opts.CollectionName, r.opts.Identity)
		if err != nil {
			return fmt.Errorf("load push checkpoint: %w", err)
		}

		result, err := r.collector.GetChangesSinceLastPushSequence(ctx, r.opts.ChangeFeed, r.opts.Identity, lastSeq, r.opts.PushBatchSize)
		if err != nil {
			return fmt.Errorf("collect changes: %w", err)
		}

		if len(result.ChangedDocs) == 0 {
			if result.LastSequence != lastSeq {
				if err := r.opts.CheckpointStore.SetLastPushSequence(ctx, r.opts.CollectionName, r.opts.Identity, result.LastSequence); err != nil {
					return fmt.Errorf("persist push checkpoint: %w", err)
				}
			}
			return nil
		}

		rows := make([]PushRow[T], 0, len(result.ChangedDocs))
		for _, row := range result.ChangedDocs {
			rows = append(rows, PushRow[T]{NewDocumentState: row.Doc.ToWithDeleted()})
		}

		conflicts, err := r.opts.PushHandler(ctx, rows)
		if err != nil {
			outcome := r.handleCycleError(ctx, retryOnFail, fmt.Errorf("push handler: %w", err))
			if errors.Is(outcome, errRetry) {
				continue
			}
			return outcome
		}

		if err := r.opts.CheckpointStore.SetLastPushSequence(ctx, r.opts.CollectionName, r.opts.Identity, result.LastSequence); err != nil {
			return fmt.Errorf("persist push checkpoint: %w", err)
		}

		for _, row := range rows {
			r.sent.Next(row.NewDocumentState)
		}

		if len(conflicts) > 0 {
			if err := r.applyPulled(ctx, conflicts); err != nil {
				return fmt.Errorf("apply push conflicts: %w", err)
			}
		}

		if len(result.ChangedDocs) < r.opts.PushBatchSize {
			return nil
		}
	}
}

// runPull drains the remote in PullBatchSize pages until the remote
// reports HasMoreChanges false.
//
// Reaching here with no PullHandler configured is a programmer misuse, not
// a transient handler failure (spec.md §7): runOnce only calls runPull when
// PullHandler is set, so this is a defensive check against a future caller
// bypassing that gate. It is fatal - emitted on error$ like any other
// error, but never retried - rather than funneled through
// handleCycleError's retry loop.
func (r *Runner[T]) runPull(ctx context.Context, retryOnFail bool) error {
	if r.opts.PullHandler == nil {
		err := &replidoc.SNHError{Detail: "runPull invoked without a configured pull handler"}
		r.errorsSubject.Next(err)
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastPulled, err := r.opts.CheckpointStore.GetLastPullDocument(ctx, r.opts.CollectionName, r.opts.Identity)
		if err != nil {
			return fmt.Errorf("load pull checkpoint: %w", err)
		}

		result, err := r.opts.PullHandler(ctx, lastPulled, r.opts.PullBatchSize)
		if err != nil {
			outcome := r.handleCycleError(ctx, retryOnFail, fmt.Errorf("pull handler: %w", err))
			if errors.Is(outcome, errRetry) {
				continue
			}
			return outcome
		}

		if len(result.Documents) == 0 {
			return nil
		}

		if err := r.applyPulled(ctx, result.Documents); err != nil {
			if errors.Is(err, ErrValidationFailed) {
				outcome := r.handleCycleError(ctx, retryOnFail, err)
				if errors.Is(outcome, errRetry) {
					continue
				}
				return outcome
			}
			return fmt.Errorf("apply pulled documents: %w", err)
		}

		last := result.Documents[len(result.Documents)-1]
		if err := r.opts.CheckpointStore.SetLastPullDocument(ctx, r.opts.CollectionName, r.opts.Identity, &last); err != nil {
			return fmt.Errorf("persist pull checkpoint: %w", err)
		}

		for _, doc := range result.Documents {
			r.received.Next(doc)
		}

		if !result.HasMoreChanges {
			return nil
		}
	}
}

// applyPulled tags each document as having come from this identity's pull
// (or push-conflict) replication and hands the batch to LocalWriter.
func (r *Runner[T]) applyPulled(ctx context.Context, docs []replidoc.WithDeleted[T]) error {
	if r.opts.LocalWriter == nil || len(docs) == 0 {
		return nil
	}

	stored := make([]replidoc.LocalStoredDoc[T], 0, len(docs))
	for _, doc := range docs {
		height, err := r.opts.LocalWriter.ExistingRevisionHeight(ctx, doc.PrimaryKey())
		if err != nil {
			return fmt.Errorf("look up existing revision for %q: %w", doc.PrimaryKey(), err)
		}
		rev := r.tagger.TagPulledDocument(r.opts.Identity, doc, height)
		stored = append(stored, replidoc.LocalStoredDoc[T]{
			Doc:     doc.Doc,
			Rev:     rev,
			Deleted: doc.Deleted,
		})
	}

	return r.opts.LocalWriter.ApplyPulledDocuments(ctx, stored)
}
