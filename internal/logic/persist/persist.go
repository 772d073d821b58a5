package persist

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/pkg/errors"
)

// Subdir is the directory under the pictures root that receives captures.
const Subdir = "camera2"

// ErrPersistFailed wraps every failure to write a frame.
var ErrPersistFailed = errors.New("persist failed")

type persistError struct {
	err error
}

func (e *persistError) Error() string        { return ErrPersistFailed.Error() + ": " + e.err.Error() }
func (e *persistError) Unwrap() error        { return e.err }
func (e *persistError) Is(target error) bool { return target == ErrPersistFailed }

func fail(err error, op string) error {
	return &persistError{err: errors.Wrap(err, op)}
}

// Persistor writes captured frames to stable storage.
//
// File names derive from the capture time truncated to Resolution. Two
// frames persisted within the same resolution window get the same name and
// the second one replaces the first: the existing file is deleted and
// recreated. Downstream consumers rely on one deterministic name per
// capture, so this data-loss window is kept rather than uniquified.
type Persistor struct {
	Root       string        // pictures root; files land in Root/camera2
	Resolution time.Duration // name granularity, defaults to one second
	Now        func() time.Time
}

// New creates a Persistor writing below root.
func New(root string, resolution time.Duration) *Persistor {
	return &Persistor{Root: root, Resolution: resolution, Now: time.Now}
}

// Dir returns the directory captures are written to.
func (p *Persistor) Dir() string {
	return filepath.Join(p.Root, Subdir)
}

// PathFor returns the file path a frame captured at t is written to.
func (p *Persistor) PathFor(t time.Time) string {
	res := p.Resolution
	if res <= 0 {
		res = time.Second
	}
	name := strconv.FormatInt(t.UnixNano()/int64(res), 10) + ".jpg"
	return filepath.Join(p.Dir(), name)
}

// Result describes a persisted frame.
type Result struct {
	Path  string
	Bytes int64
	At    time.Time
}

// Persist drains frame into a new file and releases the frame on every path.
// Failures before the file is created leave nothing behind; a failure while
// writing may leave a partial file, which the caller has to check for if it
// needs atomic results.
func (p *Persistor) Persist(frame camera.Frame) (res Result, err error) {
	defer frame.Release()

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	at := now()
	path := p.PathFor(at)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{}, fail(err, "create pictures directory")
	}
	if _, err := os.Stat(path); err == nil {
		debug.Verbose("Persist: %s exists, replacing it", path)
		if err := os.Remove(path); err != nil {
			return Result{}, fail(err, "remove existing file")
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return Result{}, fail(err, "create file")
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fail(cerr, "close file")
		}
	}()

	n, err := io.Copy(f, bytes.NewReader(frame.Bytes()))
	if err != nil {
		return Result{Path: path, Bytes: n, At: at}, fail(err, "write frame")
	}
	debug.Persisted(path, n)
	return Result{Path: path, Bytes: n, At: at}, nil
}
