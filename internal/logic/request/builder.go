package request

import (
	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrInvalidRotation is returned for a display rotation outside 0/90/180/270.
var ErrInvalidRotation = errors.New("invalid display rotation")

// jpegOrientation maps the logical display rotation to the JPEG orientation
// that keeps the image upright for the sensor's mount offset.
var jpegOrientation = map[int]int{
	0:   90,
	90:  0,
	180: 270,
	270: 180,
}

// JPEGOrientation returns the orientation metadata for a display rotation.
func JPEGOrientation(rotationDegrees int) (int, error) {
	o, ok := jpegOrientation[rotationDegrees]
	if !ok {
		return 0, errors.Wrapf(ErrInvalidRotation, "%d", rotationDegrees)
	}
	return o, nil
}

// Builder assembles capture requests. It holds no state; the zero value is ready to use.
type Builder struct{}

// BuildPreview returns a repeating preview request targeting surface.
func (Builder) BuildPreview(surface camera.Surface) camera.Request {
	return camera.Request{
		ID:      uuid.New().String(),
		Kind:    camera.RepeatingPreview,
		Targets: []camera.Surface{surface},
		Control: camera.ControlAuto,
	}
}

// BuildStillCapture returns a one-shot still request targeting surface, with
// orientation metadata derived from the display rotation.
func (Builder) BuildStillCapture(surface camera.Surface, rotationDegrees int) (camera.Request, error) {
	orientation, err := JPEGOrientation(rotationDegrees)
	if err != nil {
		return camera.Request{}, err
	}
	return camera.Request{
		ID:          uuid.New().String(),
		Kind:        camera.OneShotStill,
		Targets:     []camera.Surface{surface},
		Control:     camera.ControlAuto,
		Orientation: orientation,
	}, nil
}
