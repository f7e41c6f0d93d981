package strata

import (
	"time"

	"github.com/hupe1980/strata/blobstore"
	"github.com/hupe1980/strata/distance"
	"github.com/hupe1980/strata/index"
	"github.com/hupe1980/strata/internal/segment"
	"github.com/hupe1980/strata/resource"
)

type options struct {
	name          string
	logger        *Logger
	metrics       MetricsCollector
	staleness     time.Duration
	store         blobstore.Store
	indexes       map[string]map[string]index.Descriptor
	resources     resource.Config
	searchWorkers int
}

// Option configures a Collection.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		name:          "default",
		logger:        NoopLogger(),
		metrics:       NoopMetricsCollector{},
		staleness:     5 * time.Second,
		store:         blobstore.NewMemory(),
		indexes:       make(map[string]map[string]index.Descriptor),
		searchWorkers: 4,
	}
}

// WithName sets the collection name used in errors and log records.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsCollector sets the metrics sink.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc != nil {
			o.metrics = mc
		}
	}
}

// WithBoundedStaleness sets the tolerated lag for Bounded consistency.
func WithBoundedStaleness(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.staleness = d
		}
	}
}

// WithBlobStore sets the store sealed segments and delta logs are
// persisted to. The default keeps everything in memory.
func WithBlobStore(store blobstore.Store) Option {
	return func(o *options) {
		if store != nil {
			o.store = store
		}
	}
}

// WithIndex sets the index built for a vector field when its segment is
// sealed. Fields without a descriptor get a flat index.
func WithIndex(field string, typ index.Type, metric distance.Metric, params index.Params) Option {
	return WithNamedIndex(field, segment.DefaultIndexName, typ, metric, params)
}

// WithNamedIndex declares an additional named index for a vector field.
// A field carrying more than one index requires searches against it to
// name one with IndexName.
func WithNamedIndex(field, name string, typ index.Type, metric distance.Metric, params index.Params) Option {
	return func(o *options) {
		if o.indexes[field] == nil {
			o.indexes[field] = make(map[string]index.Descriptor)
		}
		o.indexes[field][name] = index.Descriptor{
			Name:   name,
			Field:  field,
			Type:   typ,
			Metric: metric,
			Params: params,
		}
	}
}

// WithResourceConfig sets admission-control limits for searches and flushes.
func WithResourceConfig(cfg resource.Config) Option {
	return func(o *options) {
		o.resources = cfg
	}
}

// WithSearchWorkers sets the worker pool size for async searches.
func WithSearchWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.searchWorkers = n
		}
	}
}
