package blockfs

import (
	"time"

	"github.com/hupe1980/blockfs/blobstore"
	"github.com/hupe1980/blockfs/codec"
	"github.com/hupe1980/blockfs/internal/resource"
)

type options struct {
	walPath       string
	txTimeout     time.Duration
	atimeUpdates  bool
	allocatorHint uint32
	logger        *Logger
	metrics       MetricsCollector
	resource      resource.Config
	store         blobstore.BlobStore
	codec         codec.Codec
}

func defaultOptions() options {
	return options{
		txTimeout:     30 * time.Second,
		atimeUpdates:  true,
		allocatorHint: 1,
		logger:        NoopLogger(),
		metrics:       NoopMetricsCollector{},
		codec:         codec.Default,
	}
}

// Option configures Open behavior.
type Option func(*options)

// WithWALPath overrides the write-ahead log location. The default is the
// device path with a ".wal" suffix.
func WithWALPath(path string) Option {
	return func(o *options) { o.walPath = path }
}

// WithTransactionTimeout sets the sweeper threshold for active
// transactions. Transactions older than this are force-aborted and their
// later commit fails with ErrTransactionAborted. The default is 30s.
func WithTransactionTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.txTimeout = d
		}
	}
}

// WithAtimeUpdates controls access-time maintenance on reads. Atime is
// kept in memory and flushed at unmount; it is never WAL-logged. Enabled
// by default.
func WithAtimeUpdates(enabled bool) Option {
	return func(o *options) { o.atimeUpdates = enabled }
}

// WithAllocatorHint seeds the block allocator's rotating scan position.
// The default is 1.
func WithAllocatorHint(hint uint32) Option {
	return func(o *options) {
		if hint > 0 {
			o.allocatorHint = hint
		}
	}
}

// WithLogger injects the structured logger. The default discards.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsCollector injects a metrics sink. The default discards.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// ResourceConfig bounds maintenance work (backup, restore, check).
type ResourceConfig struct {
	// MaxBackgroundJobs caps concurrent maintenance jobs. 0 defaults to 1.
	MaxBackgroundJobs int64
	// IOLimitBytesPerSec throttles maintenance streams. 0 is unlimited.
	IOLimitBytesPerSec int64
}

// WithResourceConfig bounds backup, restore and check work.
func WithResourceConfig(cfg ResourceConfig) Option {
	return func(o *options) {
		o.resource = resource.Config{
			MaxBackgroundJobs:  cfg.MaxBackgroundJobs,
			IOLimitBytesPerSec: cfg.IOLimitBytesPerSec,
		}
	}
}

// WithBlobStore configures the default backup target used when Backup or
// Restore is called with a nil store.
func WithBlobStore(store blobstore.BlobStore) Option {
	return func(o *options) { o.store = store }
}

// WithCodec configures the default backup-image compression used when
// Backup is called with a nil codec. The default is codec.Default.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}
