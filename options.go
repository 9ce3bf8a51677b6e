package replisync

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"replisync/cache"
	"replisync/checkpoint"
	"replisync/logx"
)

// PullOptions configures the pull direction of a replication.
type PullOptions[T Document] struct {
	Handler PullHandler[T]

	// BatchSize is the pull page size handed to the cycle runner. Handler
	// does not receive it and the number of documents Handler returns is
	// not checked against it; the handler chooses its own page size.
	// Defaults to 100.
	BatchSize int
}

// PushOptions configures the push direction of a replication.
type PushOptions[T Document] struct {
	Handler PushHandler[T]

	// BatchSize bounds how many documents a single push handler call may
	// send. Defaults to 100.
	BatchSize int
}

// Options is the public configuration Replicate accepts, corresponding to
// spec.md §6's replicateRxCollection(options) parameter object.
type Options[T Document] struct {
	// ReplicationIdentifier namespaces this replication's checkpoint from
	// any other replication running against the same collection.
	ReplicationIdentifier string

	// CollectionName namespaces the checkpoint from replications with the
	// same identifier running against a different collection.
	CollectionName string

	Collection Collection[T]

	// Pull configures the pull direction. Nil disables pulling.
	Pull *PullOptions[T]

	// Push configures the push direction. Nil disables pushing.
	Push *PushOptions[T]

	// Live keeps the replication running after the initial cycle: pull is
	// re-triggered every LiveInterval, and push is re-triggered whenever
	// the collection reports a local change via Subscribe.
	Live bool

	// LiveInterval is how often a live replication re-triggers a pull
	// cycle. Pull has no other wake signal available to it (unlike push,
	// which is woken by Collection.Subscribe), so the interval timer runs
	// only when Pull is set; a push-only live replication has no timer and
	// runs cycles only on Subscribe events (spec.md §9's open question on
	// this point). Defaults to 10s.
	LiveInterval time.Duration

	// RetryTime is how long a cycle waits after a handler failure before
	// retrying, when running with retryOnFail. Defaults to 5s.
	RetryTime time.Duration

	// WaitForLeadership, when true and the collection's Database reports
	// MultiInstance, blocks replication start until this process instance
	// is elected leader.
	WaitForLeadership bool

	// CheckpointCache backs checkpoint persistence. Defaults to an
	// unbounded in-memory cache when nil; pass a BadgerDB- or
	// Redis-backed cache.Cache for durability across restarts or sharing
	// across processes.
	CheckpointCache cache.Cache[checkpoint.Checkpoint[T]]

	Logger *zap.Logger
}

// DefaultOptions returns an Options with every optional field at its
// default. ReplicationIdentifier, CollectionName, Collection, and at least
// one of Pull/Push must still be set by the caller.
func DefaultOptions[T Document]() Options[T] {
	return Options[T]{
		LiveInterval: 10 * time.Second,
		RetryTime:    5 * time.Second,
		Logger:       logx.Logger,
	}
}

func (o *Options[T]) applyDefaults() {
	defaults := DefaultOptions[T]()
	if o.LiveInterval <= 0 {
		o.LiveInterval = defaults.LiveInterval
	}
	if o.RetryTime <= 0 {
		o.RetryTime = defaults.RetryTime
	}
	if o.Logger == nil {
		o.Logger = defaults.Logger
	}
	if o.Pull != nil && o.Pull.BatchSize <= 0 {
		o.Pull.BatchSize = 100
	}
	if o.Push != nil && o.Push.BatchSize <= 0 {
		o.Push.BatchSize = 100
	}
}

func (o *Options[T]) validate() error {
	if o.ReplicationIdentifier == "" {
		return ErrMissingReplicationIdentifier
	}
	if o.CollectionName == "" {
		return ErrMissingCollectionName
	}
	if o.Collection == nil {
		return ErrMissingCollection
	}
	if o.Pull == nil && o.Push == nil {
		return ErrNoDirectionConfigured
	}
	if o.Collection.Destroyed() {
		return ErrClosed
	}
	return nil
}

// devMode mirrors RxDB's overwritable.isDevMode(): a process-global switch
// gating schema validation at the pull/conflict write boundary. Off by
// default, matching a production build.
var devMode atomic.Bool

// DevMode reports whether dev-mode checks (currently: pulled-document
// schema validation) are enabled.
func DevMode() bool {
	return devMode.Load()
}

// SetDevMode toggles dev-mode checks process-wide.
func SetDevMode(enabled bool) {
	devMode.Store(enabled)
}
