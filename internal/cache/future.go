package cache

import (
	"context"
	stderr "errors"
	"fmt"

	"github.com/bundlecache/bundlecache/pkg/errors"
)

// Future is the settle-once result of an asynchronous operation. A nil
// *Future is treated as already settled without error, so chains can start
// from a zero value.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) settle(err error) {
	f.err = err
	close(f.done)
}

// Async runs fn on a new goroutine. A panic in fn settles the future with a
// PANIC_RECOVERED error instead of crashing the build.
func Async(fn func() error) *Future {
	f := newFuture()
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf(errors.ErrCodePanicRecovered, "panic in async operation: %v", r).
					WithStack()
			}
			f.settle(err)
		}()
		err = fn()
	}()
	return f
}

// Completed returns a future that is already settled with err.
func Completed(err error) *Future {
	f := newFuture()
	f.settle(err)
	return f
}

// Then returns a future that runs fn once f has settled. fn receives f's
// error and runs whether or not f failed.
func (f *Future) Then(fn func(prev error) error) *Future {
	return Async(func() error {
		return fn(f.Wait(context.Background()))
	})
}

// All settles once every future has settled. Its error joins the errors of
// the futures that failed.
func All(futures ...*Future) *Future {
	if len(futures) == 0 {
		return Completed(nil)
	}
	return Async(func() error {
		var errs []error
		for _, f := range futures {
			if err := f.Wait(context.Background()); err != nil {
				errs = append(errs, err)
			}
		}
		return stderr.Join(errs...)
	})
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	if f == nil {
		return nil
	}
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return errors.NewError(errors.ErrCodeOperationCanceled, "wait canceled").WithCause(ctx.Err())
	}
}

// Settled reports whether the future has settled.
func (f *Future) Settled() bool {
	if f == nil {
		return true
	}
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future) String() string {
	if !f.Settled() {
		return "Future(pending)"
	}
	if f == nil || f.err == nil {
		return "Future(ok)"
	}
	return fmt.Sprintf("Future(err=%v)", f.err)
}
