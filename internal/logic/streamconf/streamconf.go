package streamconf

import (
	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/pkg/errors"
)

// ErrNoSupportedFormat is returned when a device advertises no usable
// preview or still-capture output. It is fatal for that device.
var ErrNoSupportedFormat = errors.New("no supported format")

// Selection is the stream configuration chosen for a device.
type Selection struct {
	Preview camera.Size // live-preview target size
	Still   camera.Size // JPEG still size
}

// Select picks the first live-preview output and the first JPEG output, in
// the order the device advertises them. The same capability list always
// yields the same selection.
func Select(caps camera.Capabilities) (Selection, error) {
	preview, ok := first(caps, camera.FormatPreview)
	if !ok {
		return Selection{}, errors.Wrap(ErrNoSupportedFormat, "no live-preview output")
	}
	still, ok := first(caps, camera.FormatJPEG)
	if !ok {
		return Selection{}, errors.Wrap(ErrNoSupportedFormat, "no JPEG output")
	}
	return Selection{Preview: preview, Still: still}, nil
}

func first(caps camera.Capabilities, f camera.Format) (camera.Size, bool) {
	for _, o := range caps.Outputs {
		if o.Format == f {
			return o.Size, true
		}
	}
	return camera.Size{}, false
}
