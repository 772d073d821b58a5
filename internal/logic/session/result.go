package session

import (
	"context"
	"sync"

	"github.com/cjeanneret/camsession/internal/hw/camera"
)

// Result is the outcome of an asynchronous coordinator request. It resolves
// exactly once.
type Result struct {
	done chan struct{}
	once sync.Once

	err     error
	path    string
	preview camera.Size
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func (r *Result) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *Result) resolvePath(path string) {
	r.once.Do(func() {
		r.path = path
		close(r.done)
	})
}

func (r *Result) resolvePreview(size camera.Size) {
	r.once.Do(func() {
		r.preview = size
		close(r.done)
	})
}

// Done is closed once the request has an outcome.
func (r *Result) Done() <-chan struct{} { return r.done }

// Wait blocks until the request resolves or ctx ends. It returns the
// request's error, or ctx.Err() if ctx ended first.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the request's error; nil while pending or on success.
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Path returns the persisted file of a successful capture.
func (r *Result) Path() string {
	select {
	case <-r.done:
		return r.path
	default:
		return ""
	}
}

// PreviewSize returns the preview size of a successful configure.
func (r *Result) PreviewSize() camera.Size {
	select {
	case <-r.done:
		return r.preview
	default:
		return camera.Size{}
	}
}
