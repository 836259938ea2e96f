package model

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/nengo/nengo-gui/cache"
	"github.com/nengo/nengo-gui/logger"
	"golang.org/x/sync/singleflight"
)

// Model is a loaded and built model file.
type Model struct {
	Path       string
	Name       string
	Checksum   uint64
	Definition *Definition
	Exec       Executable
	LoadedAt   time.Time
}

// Context owns the load-once lifecycle of a single model file.
type Context struct {
	path     string
	builder  Builder
	cache    cache.Cache
	ownCache bool
	logger   logger.Logger
	group    singleflight.Group
	builds   atomic.Int64
	closed   sync.Once
}

type Option func(*Context)

// WithCache stores loaded models in c. The caller keeps ownership of c.
func WithCache(c cache.Cache) Option {
	return func(mc *Context) {
		mc.cache = c
	}
}

func WithLogger(l logger.Logger) Option {
	return func(mc *Context) {
		mc.logger = l
	}
}

// NewContext returns a Context for the model file at path, built with builder.
// Nothing is read until Load or Get is called.
func NewContext(path string, builder Builder, opts ...Option) *Context {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	mc := &Context{
		path:    path,
		builder: builder,
	}
	for _, opt := range opts {
		opt(mc)
	}
	if mc.cache == nil {
		// models never expire, so the sweep has nothing to do
		mc.cache = cache.NewInMemory(context.Background(), cache.WithExpires(cache.NoExpiry), cache.WithExpiryCheck(time.Hour))
		mc.ownCache = true
	}
	if mc.logger == nil {
		mc.logger = logger.NewConsoleLogger(logger.LevelNone)
	}
	mc.logger = mc.logger.WithPrefix("[model]")
	return mc
}

// Path is the absolute path of the model file.
func (mc *Context) Path() string {
	return mc.path
}

// Builds is the number of times the model file has been built.
func (mc *Context) Builds() int64 {
	return mc.builds.Load()
}

// Served is the number of times the built model was returned from the cache.
func (mc *Context) Served(ctx context.Context) int {
	_, hits := mc.cache.Hits(ctx, mc.key())
	return hits
}

func (mc *Context) key() string {
	return "model:" + mc.builder.Name() + ":" + mc.path
}

// Load returns the built model, building it on first use. Concurrent callers share a
// single build; a failed build is not cached so the next call retries.
func (mc *Context) Load(ctx context.Context) (*Model, error) {
	key := mc.key()
	v, err, shared := mc.group.Do(key, func() (any, error) {
		_, m, err := cache.Exec(ctx, cache.CacheConfig{Key: key, Expires: cache.NoExpiry}, mc.cache, func(ctx context.Context) (*Model, bool, error) {
			m, err := mc.build(ctx)
			if err != nil {
				return nil, false, err
			}
			return m, true, nil
		})
		return m, err
	})
	if err != nil {
		return nil, err
	}
	if shared {
		mc.logger.Trace("shared in-flight load of %s", mc.path)
	}
	return v.(*Model), nil
}

// Get returns the cached model or loads it.
func (mc *Context) Get(ctx context.Context) (*Model, error) {
	if m, ok := mc.Cached(ctx); ok {
		return m, nil
	}
	return mc.Load(ctx)
}

// Cached returns the model when it has already been built.
func (mc *Context) Cached(ctx context.Context) (*Model, bool) {
	found, m, err := cache.GetTyped[*Model](ctx, mc.cache, mc.key())
	if err != nil || !found {
		return nil, false
	}
	return m, true
}

// Reload re-reads and rebuilds the model file. On failure the previously loaded model
// stays cached and is still returned by Get.
func (mc *Context) Reload(ctx context.Context) (*Model, error) {
	key := mc.key()
	v, err, _ := mc.group.Do(key+"#reload", func() (any, error) {
		m, err := mc.build(ctx)
		if err != nil {
			return nil, err
		}
		if prev, ok := mc.Cached(ctx); ok && prev.Checksum == m.Checksum {
			mc.logger.Debug("source of %s unchanged, rebuilt fresh executor", mc.path)
		}
		if err := mc.cache.Set(ctx, key, m, cache.NoExpiry); err != nil {
			return nil, errors.Wrap(err, "caching reloaded model")
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Model), nil
}

// Close releases the cache when the Context created it and otherwise drops the
// model from the shared cache.
func (mc *Context) Close() error {
	var err error
	mc.closed.Do(func() {
		if mc.ownCache {
			err = mc.cache.Close()
			return
		}
		_, err = mc.cache.Expire(context.Background(), mc.key())
	})
	return err
}

func (mc *Context) build(ctx context.Context) (*Model, error) {
	started := time.Now()
	data, err := os.ReadFile(mc.path)
	if err != nil {
		return nil, loadError(err, "reading %s", mc.path)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, loadError(err, "parsing %s", mc.path)
	}
	exec, err := mc.builder.Build(ctx, def)
	if err != nil {
		return nil, loadError(err, "building %s with %s", mc.path, mc.builder.Name())
	}
	mc.builds.Add(1)
	m := &Model{
		Path:       mc.path,
		Name:       def.Name,
		Checksum:   xxhash.Sum64(data),
		Definition: def,
		Exec:       exec,
		LoadedAt:   time.Now(),
	}
	if m.Name == "" {
		m.Name = filepath.Base(mc.path)
	}
	mc.logger.Debug("built %s (%d nodes) in %v", m.Name, len(def.Nodes), time.Since(started))
	return m, nil
}

func loadError(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrModelLoad)
}
