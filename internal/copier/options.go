package copier

import (
	"time"

	"github.com/apparentlymart/ocicopy/internal/ocidist"
)

const (
	DefaultConcurrency      = 3
	DefaultMaxRetries       = 4
	DefaultInitialBackoff   = 250 * time.Millisecond
	DefaultMaxBackoff       = 8 * time.Second
	DefaultMaxManifestBytes = ocidist.DefaultMaxManifestSize
)

// Options customizes the behavior of [CopyGraph] and [Copy].
//
// The zero value selects the defaults for everything.
type Options struct {
	// Concurrency is the maximum number of fetch, push, exists and mount
	// operations that may be in progress at once. Zero selects
	// DefaultConcurrency.
	Concurrency int

	// MaxRetries is how many times a transient failure is retried before
	// giving up. Zero selects DefaultMaxRetries, and a negative value
	// disables retrying.
	MaxRetries int

	// InitialBackoff and MaxBackoff bound the exponential delay between
	// retries. Zero selects the corresponding default.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxManifestBytes is the largest manifest or index we'll read into
	// memory. Zero selects DefaultMaxManifestBytes.
	MaxManifestBytes int64

	// Observer, if set, is notified about the progress of the copy.
	Observer *Observer

	// MountFrom, if set, returns the names of other repositories in the
	// destination registry that might already have the given blob. Mounting
	// is attempted only when the destination implements [Mounter].
	MountFrom func(desc ocidist.Descriptor) []string
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	} else if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.MaxManifestBytes <= 0 {
		o.MaxManifestBytes = DefaultMaxManifestBytes
	}
	return o
}

// Observer receives notifications about individual nodes of the graph
// during a copy. Any of the callbacks may be nil.
//
// Callbacks may be called concurrently from multiple goroutines, and must
// return promptly because they block the copy.
type Observer struct {
	// OnStart is called just before content is transferred for a node that
	// the destination doesn't already have.
	OnStart func(desc ocidist.Descriptor)

	// OnSkipped is called for each node that the destination already had.
	//
	// A node reached again within the same copy, such as a layer shared by
	// several manifests, produces no further events: the first visit
	// already reported it as copied, mounted or skipped, so each node is
	// reported exactly once per call.
	OnSkipped func(desc ocidist.Descriptor)

	// OnCopied is called once a node has been pushed to the destination.
	OnCopied func(desc ocidist.Descriptor)

	// OnMounted is called instead of OnCopied when a blob was mounted from
	// another repository rather than pushed.
	OnMounted func(desc ocidist.Descriptor, from string)
}

func (o *Observer) start(desc ocidist.Descriptor) {
	if o != nil && o.OnStart != nil {
		o.OnStart(desc)
	}
}

func (o *Observer) skipped(desc ocidist.Descriptor) {
	if o != nil && o.OnSkipped != nil {
		o.OnSkipped(desc)
	}
}

func (o *Observer) copied(desc ocidist.Descriptor) {
	if o != nil && o.OnCopied != nil {
		o.OnCopied(desc)
	}
}

func (o *Observer) mounted(desc ocidist.Descriptor, from string) {
	if o != nil && o.OnMounted != nil {
		o.OnMounted(desc, from)
	}
}
