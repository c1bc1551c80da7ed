package dispatch

import "time"

// poolOptions holds configuration resolved from PoolOption values.
type poolOptions struct {
	maxWorkers   int
	minWorkers   int
	maxIdleTime  time.Duration
	panicHandler func(recovered any)
}

// PoolOption configures a ThreadPool at construction time.
type PoolOption interface {
	applyPool(*poolOptions) error
}

type poolOptionFunc func(*poolOptions) error

func (f poolOptionFunc) applyPool(o *poolOptions) error { return f(o) }

// WithMaxWorkers caps the number of worker goroutines the pool will ever
// run concurrently. The default is ceil(1.5 * runtime.NumCPU()).
func WithMaxWorkers(n int) PoolOption {
	return poolOptionFunc(func(o *poolOptions) error {
		if n < 1 {
			return &SetupError{Op: "WithMaxWorkers", Message: "max workers must be >= 1"}
		}
		o.maxWorkers = n
		return nil
	})
}

// WithMinWorkers keeps at least n workers alive even when idle, skipping
// the idle-timeout reap for them. Default 0 (workers below max may all
// reap out during quiescence).
func WithMinWorkers(n int) PoolOption {
	return poolOptionFunc(func(o *poolOptions) error {
		if n < 0 {
			return &SetupError{Op: "WithMinWorkers", Message: "min workers must be >= 0"}
		}
		o.minWorkers = n
		return nil
	})
}

// WithMaxIdleTime sets how long an idle worker waits on the pool's
// condition variable before self-terminating. Default 5s.
func WithMaxIdleTime(d time.Duration) PoolOption {
	return poolOptionFunc(func(o *poolOptions) error {
		if d <= 0 {
			return &SetupError{Op: "WithMaxIdleTime", Message: "max idle time must be > 0"}
		}
		o.maxIdleTime = d
		return nil
	})
}

// WithPanicHandler installs a handler invoked (in addition to the always-on
// logging) whenever a task submitted to the pool panics. fn must not block
// or panic itself; it runs on the worker goroutine that recovered the
// panic.
func WithPanicHandler(fn func(recovered any)) PoolOption {
	return poolOptionFunc(func(o *poolOptions) error {
		o.panicHandler = fn
		return nil
	})
}

func resolvePoolOptions(opts []PoolOption) (*poolOptions, error) {
	cfg := &poolOptions{
		maxWorkers:  defaultMaxWorkers(),
		maxIdleTime: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPool(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
