package camera

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Errors reported by a Backend. The session layer maps them onto its
// error taxonomy, so implementations should wrap rather than replace them.
var (
	ErrNoDevice          = errors.New("camera: no such device")
	ErrPermissionDenied  = errors.New("camera: permission denied")
	ErrAccess            = errors.New("camera: device access failed")
	ErrDisconnected      = errors.New("camera: device disconnected")
	ErrBufferUnavailable = errors.New("camera: no frame buffer available")
	ErrClosed            = errors.New("camera: already closed")
)

// Format tags the pixel layout of a stream or a frame.
type Format int

const (
	FormatUnknown Format = iota
	FormatPreview        // implementation-defined format consumed by a display surface
	FormatJPEG           // compressed still image
	FormatYUV
)

func (f Format) String() string {
	switch f {
	case FormatPreview:
		return "preview"
	case FormatJPEG:
		return "JPEG"
	case FormatYUV:
		return "YUV"
	default:
		return "unknown"
	}
}

// ParseFormat accepts the names used in capability lists ("JPEG", "preview", "YUV").
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "preview", "private":
		return FormatPreview, nil
	case "yuv", "yuv_420_888":
		return FormatYUV, nil
	}
	return FormatUnknown, errors.Errorf("unknown stream format %q", s)
}

// Size is a resolution in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// ParseSize parses "WIDTHxHEIGHT".
func ParseSize(s string) (Size, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Size{}, errors.Errorf("invalid size %q (want WIDTHxHEIGHT)", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Size{}, errors.Wrapf(err, "invalid width in %q", s)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Size{}, errors.Wrapf(err, "invalid height in %q", s)
	}
	if width <= 0 || height <= 0 {
		return Size{}, errors.Errorf("size %q must be positive", s)
	}
	return Size{Width: width, Height: height}, nil
}

// StreamOption is one output configuration advertised by a device.
type StreamOption struct {
	Size   Size
	Format Format
}

func (o StreamOption) String() string {
	return o.Size.String() + " " + o.Format.String()
}

// ParseStreamOption parses entries such as "4000x3000 JPEG" or "1920x1080 preview".
func ParseStreamOption(s string) (StreamOption, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return StreamOption{}, errors.Errorf("invalid stream option %q (want \"WIDTHxHEIGHT FORMAT\")", s)
	}
	size, err := ParseSize(fields[0])
	if err != nil {
		return StreamOption{}, err
	}
	format, err := ParseFormat(fields[1])
	if err != nil {
		return StreamOption{}, err
	}
	return StreamOption{Size: size, Format: format}, nil
}

// Capabilities lists the output configurations of a device, in the order the
// device advertises them.
type Capabilities struct {
	Outputs []StreamOption
}

// ParseCapabilities parses a capability list, stopping at the first bad entry.
func ParseCapabilities(entries []string) (Capabilities, error) {
	caps := Capabilities{Outputs: make([]StreamOption, 0, len(entries))}
	for _, e := range entries {
		opt, err := ParseStreamOption(e)
		if err != nil {
			return Capabilities{}, err
		}
		caps.Outputs = append(caps.Outputs, opt)
	}
	return caps, nil
}

// Surface is a buffer queue the device can render into: the host's preview
// view or a still-capture frame source.
type Surface struct {
	ID     string
	Size   Size
	Format Format
}

// RequestKind distinguishes the repeating preview request from a still shot.
type RequestKind int

const (
	RepeatingPreview RequestKind = iota
	OneShotStill
)

func (k RequestKind) String() string {
	if k == OneShotStill {
		return "one-shot-still"
	}
	return "repeating-preview"
}

// ControlMode selects how the device runs 3A (focus, exposure, white balance).
type ControlMode int

const (
	ControlAuto ControlMode = iota
	ControlOff
)

// Request is an immutable capture request descriptor. Targets is never
// modified after the request is built; use Clone before handing it to code
// that might.
type Request struct {
	ID          string
	Kind        RequestKind
	Targets     []Surface
	Control     ControlMode
	Orientation int // JPEG orientation metadata in degrees
}

// Clone returns a deep copy of r.
func (r Request) Clone() Request {
	c := r
	c.Targets = append([]Surface(nil), r.Targets...)
	return c
}

// Metadata is the result reported when the device has fully completed a capture.
type Metadata struct {
	RequestID   string
	Orientation int
	Timestamp   int64 // sensor timestamp, nanoseconds
}

// Frame is a buffer leased from a frame source. Bytes must not be used after
// Release; Release is idempotent.
type Frame interface {
	Bytes() []byte
	Format() Format
	Size() Size
	// Timestamp is the sensor timestamp of the exposure, equal to the
	// Timestamp in the Metadata of the capture that produced the frame.
	Timestamp() int64
	Release()
}

// FrameSource is a bounded pool of still-capture buffers (an image reader).
type FrameSource interface {
	Surface() Surface
	// SetOnAvailable registers fn to be called when a new frame is ready.
	SetOnAvailable(fn func())
	// AcquireLatest leases the newest frame, dropping older ones. It fails with
	// ErrBufferUnavailable when no frame can be handed out.
	AcquireLatest() (Frame, error)
	Close() error
}

// DeviceCallbacks receives device lifecycle notifications. They may be
// invoked from any goroutine.
type DeviceCallbacks struct {
	OnOpened       func(Device)
	OnDisconnected func(Device)
	OnError        func(Device, error)
}

// SessionCallbacks receives the result of a session configuration.
type SessionCallbacks struct {
	OnConfigured      func(Session)
	OnConfigureFailed func(error)
}

// CaptureCallbacks tracks a single submitted still request.
type CaptureCallbacks struct {
	OnCompleted func(Request, Metadata)
	OnFailed    func(Request, error)
}

// Backend is the host camera service.
type Backend interface {
	DeviceIDs() ([]string, error)
	Capabilities(id string) (Capabilities, error)
	// Open starts opening a device. A nil return means exactly one of the
	// callbacks will follow; an error means none will.
	Open(id string, cb DeviceCallbacks) error
}

// Device is an opened camera.
type Device interface {
	ID() string
	NewFrameSource(size Size, format Format, maxImages int) (FrameSource, error)
	// CreateSession replaces any previous session of the device. The previous
	// session is closed before the new one is configured.
	CreateSession(targets []Surface, cb SessionCallbacks) error
	Close() error
}

// Session is a configured capture session.
type Session interface {
	SetRepeatingRequest(req Request) error
	StopRepeating() error
	Capture(req Request, cb CaptureCallbacks) error
	Close() error
}
