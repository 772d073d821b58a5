package persist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFrame records releases and refuses reads after release.
type fakeFrame struct {
	data     []byte
	releases int
}

func (f *fakeFrame) Bytes() []byte {
	if f.releases > 0 {
		panic("frame read after release")
	}
	return f.data
}
func (f *fakeFrame) Format() camera.Format { return camera.FormatJPEG }
func (f *fakeFrame) Size() camera.Size     { return camera.Size{Width: 4, Height: 3} }
func (f *fakeFrame) Timestamp() int64      { return 1 }
func (f *fakeFrame) Release()              { f.releases++ }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestPersist_WritesFrame(t *testing.T) {
	root := t.TempDir()
	at := time.Unix(1700000000, 0)
	p := &Persistor{Root: root, Resolution: time.Second, Now: fixedClock(at)}
	frame := &fakeFrame{data: []byte{0xff, 0xd8, 0x01, 0x02, 0xff, 0xd9}}

	res, err := p.Persist(frame)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "camera2", "1700000000.jpg"), res.Path)
	assert.Equal(t, int64(6), res.Bytes)
	assert.Equal(t, 1, frame.releases, "frame must be released exactly once")

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0x01, 0x02, 0xff, 0xd9}, got)
}

func TestPersist_CollisionOverwrites(t *testing.T) {
	root := t.TempDir()
	at := time.Unix(1700000000, 0)
	p := &Persistor{Root: root, Resolution: time.Second, Now: fixedClock(at)}

	first, err := p.Persist(&fakeFrame{data: []byte("first frame, longer payload")})
	require.NoError(t, err)

	p.Now = fixedClock(at.Add(300 * time.Millisecond))
	second, err := p.Persist(&fakeFrame{data: []byte("second")})
	require.NoError(t, err)

	require.Equal(t, first.Path, second.Path, "same resolution window should collide")
	got, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got), "second frame must fully replace the first")

	entries, err := os.ReadDir(p.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPersist_DistinctWindowsDoNotCollide(t *testing.T) {
	root := t.TempDir()
	at := time.Unix(1700000000, 0)
	p := &Persistor{Root: root, Resolution: time.Second, Now: fixedClock(at)}

	a, err := p.Persist(&fakeFrame{data: []byte("a")})
	require.NoError(t, err)
	p.Now = fixedClock(at.Add(time.Second))
	b, err := p.Persist(&fakeFrame{data: []byte("b")})
	require.NoError(t, err)

	assert.NotEqual(t, a.Path, b.Path)
}

func TestPersist_FailureBeforeCreateLeavesNothing(t *testing.T) {
	root := t.TempDir()
	// A regular file where the camera2 directory should go makes MkdirAll fail.
	blocker := filepath.Join(root, Subdir)
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))

	p := &Persistor{Root: root, Now: fixedClock(time.Unix(1700000000, 0))}
	frame := &fakeFrame{data: []byte("payload")}

	_, err := p.Persist(frame)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistFailed), "err = %v", err)
	assert.Equal(t, 1, frame.releases, "frame must be released on failure")

	data, err := os.ReadFile(blocker)
	require.NoError(t, err)
	assert.Equal(t, "not a dir", string(data))
}

func TestPersist_EmptyFrame(t *testing.T) {
	p := &Persistor{Root: t.TempDir(), Now: fixedClock(time.Unix(1700000001, 0))}
	res, err := p.Persist(&fakeFrame{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Bytes)

	info, err := os.Stat(res.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestPathFor_Resolution(t *testing.T) {
	p := &Persistor{Root: "/pictures", Resolution: 100 * time.Millisecond}
	at := time.Unix(10, 0)

	assert.Equal(t, "/pictures/camera2/100.jpg", p.PathFor(at))
	assert.Equal(t, p.PathFor(at), p.PathFor(at.Add(99*time.Millisecond)))
	assert.NotEqual(t, p.PathFor(at), p.PathFor(at.Add(100*time.Millisecond)))
}

func TestPathFor_DefaultResolution(t *testing.T) {
	p := &Persistor{Root: "/pictures"}
	assert.Equal(t, "/pictures/camera2/42.jpg", p.PathFor(time.Unix(42, 900)))
}
