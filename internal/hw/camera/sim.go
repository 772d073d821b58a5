package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/pkg/errors"
)

// SimConfig configures the simulated backend.
type SimConfig struct {
	DeviceIDs      []string
	Capabilities   Capabilities
	DenyPermission bool
	OpenDelay      time.Duration
	ConfigureDelay time.Duration
	CaptureDelay   time.Duration
	// MetadataFirst delivers the capture-completed callback before the frame.
	MetadataFirst bool
}

// Sim is a Backend that runs entirely in memory. It is used for development
// without a camera and by tests, which drive failures through its knobs.
// Callbacks are delivered from their own goroutines, like a real driver.
type Sim struct {
	mu      sync.Mutex
	cfg     SimConfig
	devices map[string]*simDevice

	failOpen      error
	failConfigure int
	dropFrames    int
	loseFrames    int
	failCaptures  int
	failSubmits   int
	lastStamp     int64
	hold          bool
	held          []func()

	opens     int
	captures  []Request
	repeating []Request // every SetRepeatingRequest, in order
	stops     int
}

// NewSim creates a simulated backend.
func NewSim(cfg SimConfig) *Sim {
	if len(cfg.DeviceIDs) == 0 {
		cfg.DeviceIDs = []string{"0"}
	}
	debug.Info("Using SIMULATED camera backend (devices=%v)", cfg.DeviceIDs)
	return &Sim{cfg: cfg, devices: make(map[string]*simDevice)}
}

func (s *Sim) DeviceIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cfg.DeviceIDs...), nil
}

func (s *Sim) Capabilities(id string) (Capabilities, error) {
	if !s.known(id) {
		return Capabilities{}, errors.Wrap(ErrNoDevice, id)
	}
	return Capabilities{Outputs: append([]StreamOption(nil), s.cfg.Capabilities.Outputs...)}, nil
}

func (s *Sim) known(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.cfg.DeviceIDs {
		if d == id {
			return true
		}
	}
	return false
}

func (s *Sim) Open(id string, cb DeviceCallbacks) error {
	if !s.known(id) {
		return errors.Wrap(ErrNoDevice, id)
	}
	s.mu.Lock()
	if s.cfg.DenyPermission {
		s.mu.Unlock()
		return errors.Wrap(ErrPermissionDenied, "camera permission not granted")
	}
	if _, busy := s.devices[id]; busy {
		s.mu.Unlock()
		return errors.Wrapf(ErrAccess, "device %s already in use", id)
	}
	failOpen := s.failOpen
	s.failOpen = nil
	s.opens++
	dev := &simDevice{sim: s, id: id, cb: cb}
	if failOpen == nil {
		s.devices[id] = dev
	}
	delay := s.cfg.OpenDelay
	s.mu.Unlock()

	go func() {
		time.Sleep(delay)
		if failOpen != nil {
			if cb.OnError != nil {
				cb.OnError(dev, failOpen)
			}
			return
		}
		if cb.OnOpened != nil {
			cb.OnOpened(dev)
		}
	}()
	return nil
}

// DenyPermission toggles the camera permission.
func (s *Sim) DenyPermission(deny bool) {
	s.mu.Lock()
	s.cfg.DenyPermission = deny
	s.mu.Unlock()
}

// FailNextOpen makes the next open report err through the device error callback.
func (s *Sim) FailNextOpen(err error) {
	s.mu.Lock()
	s.failOpen = err
	s.mu.Unlock()
}

// FailNextConfigure makes the next session configuration fail.
func (s *Sim) FailNextConfigure() {
	s.mu.Lock()
	s.failConfigure++
	s.mu.Unlock()
}

// DropNextFrame signals frame availability for the next capture without a
// buffer behind it, as an exhausted buffer queue would.
func (s *Sim) DropNextFrame() {
	s.mu.Lock()
	s.dropFrames++
	s.mu.Unlock()
}

// LoseNextFrame delivers capture metadata for the next capture but never
// signals a frame.
func (s *Sim) LoseNextFrame() {
	s.mu.Lock()
	s.loseFrames++
	s.mu.Unlock()
}

// FailNextCapture reports the next capture through OnFailed.
func (s *Sim) FailNextCapture() {
	s.mu.Lock()
	s.failCaptures++
	s.mu.Unlock()
}

// FailNextSubmit makes the next Capture call return an access error
// without queuing anything.
func (s *Sim) FailNextSubmit() {
	s.mu.Lock()
	s.failSubmits++
	s.mu.Unlock()
}

// HoldCaptures keeps submitted captures pending until ReleaseHeld is called.
func (s *Sim) HoldCaptures(hold bool) {
	s.mu.Lock()
	s.hold = hold
	s.mu.Unlock()
}

// ReleaseHeld delivers every held capture.
func (s *Sim) ReleaseHeld() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	for _, fn := range held {
		go fn()
	}
}

// Disconnect simulates the device being unplugged.
func (s *Sim) Disconnect(id string) {
	s.mu.Lock()
	dev := s.devices[id]
	s.held = nil
	s.mu.Unlock()
	if dev == nil {
		return
	}
	dev.shutdown()
	go func() {
		if dev.cb.OnDisconnected != nil {
			dev.cb.OnDisconnected(dev)
		}
	}()
}

// Opens returns how many times Open was accepted.
func (s *Sim) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Captures returns every submitted still request.
func (s *Sim) Captures() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.captures...)
}

// RepeatingRequests returns every repeating request set, in order.
func (s *Sim) RepeatingRequests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.repeating...)
}

// RepeatingStops returns how many times a repeating request was stopped.
func (s *Sim) RepeatingStops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// OpenDevices returns the ids of devices currently open.
func (s *Sim) OpenDevices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	return ids
}

func (s *Sim) release(id string, dev *simDevice) {
	s.mu.Lock()
	if s.devices[id] == dev {
		delete(s.devices, id)
	}
	s.mu.Unlock()
}

type simDevice struct {
	sim *Sim
	id  string
	cb  DeviceCallbacks

	mu      sync.Mutex
	closed  bool
	session *simSession
	sources map[string]*simFrameSource
	nextSrc int
}

func (d *simDevice) ID() string { return d.id }

func (d *simDevice) NewFrameSource(size Size, format Format, maxImages int) (FrameSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if maxImages <= 0 {
		maxImages = 1
	}
	if d.sources == nil {
		d.sources = make(map[string]*simFrameSource)
	}
	d.nextSrc++
	src := &simFrameSource{
		surface:   Surface{ID: fmt.Sprintf("%s/still-%d", d.id, d.nextSrc), Size: size, Format: format},
		maxImages: maxImages,
	}
	d.sources[src.surface.ID] = src
	return src, nil
}

func (d *simDevice) CreateSession(targets []Surface, cb SessionCallbacks) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.session != nil {
		_ = d.session.Close()
	}
	sess := &simSession{dev: d, targets: append([]Surface(nil), targets...)}
	d.session = sess
	d.mu.Unlock()

	d.sim.mu.Lock()
	fail := d.sim.failConfigure > 0
	if fail {
		d.sim.failConfigure--
	}
	delay := d.sim.cfg.ConfigureDelay
	d.sim.mu.Unlock()

	go func() {
		time.Sleep(delay)
		if fail {
			_ = sess.Close()
			if cb.OnConfigureFailed != nil {
				cb.OnConfigureFailed(errors.New("sim: stream combination not supported"))
			}
			return
		}
		if cb.OnConfigured != nil {
			cb.OnConfigured(sess)
		}
	}()
	return nil
}

func (d *simDevice) Close() error {
	d.shutdown()
	d.sim.release(d.id, d)
	return nil
}

func (d *simDevice) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.session != nil {
		d.session.markClosed()
	}
	for _, src := range d.sources {
		_ = src.Close()
	}
}

func (d *simDevice) source(id string) *simFrameSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sources[id]
}

type simSession struct {
	dev     *simDevice
	targets []Surface

	mu     sync.Mutex
	closed bool
}

func (s *simSession) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *simSession) SetRepeatingRequest(req Request) error {
	if err := s.live(); err != nil {
		return err
	}
	s.dev.sim.mu.Lock()
	s.dev.sim.repeating = append(s.dev.sim.repeating, req.Clone())
	s.dev.sim.mu.Unlock()
	debug.Trace("Sim: repeating request %s set", req.ID)
	return nil
}

func (s *simSession) StopRepeating() error {
	if err := s.live(); err != nil {
		return err
	}
	s.dev.sim.mu.Lock()
	s.dev.sim.stops++
	s.dev.sim.mu.Unlock()
	return nil
}

func (s *simSession) Capture(req Request, cb CaptureCallbacks) error {
	if err := s.live(); err != nil {
		return err
	}
	sim := s.dev.sim
	sim.mu.Lock()
	if sim.failSubmits > 0 {
		sim.failSubmits--
		sim.mu.Unlock()
		return errors.Wrap(ErrAccess, "sim: capture submission rejected")
	}
	sim.captures = append(sim.captures, req.Clone())
	drop := sim.dropFrames > 0
	if drop {
		sim.dropFrames--
	}
	lose := sim.loseFrames > 0
	if lose {
		sim.loseFrames--
	}
	fail := sim.failCaptures > 0
	if fail {
		sim.failCaptures--
	}
	stamp := time.Now().UnixNano()
	if stamp <= sim.lastStamp {
		stamp = sim.lastStamp + 1
	}
	sim.lastStamp = stamp
	delay := sim.cfg.CaptureDelay
	metadataFirst := sim.cfg.MetadataFirst
	hold := sim.hold
	sim.mu.Unlock()

	deliver := func() {
		time.Sleep(delay)
		if s.live() != nil {
			return
		}
		if fail {
			if cb.OnFailed != nil {
				cb.OnFailed(req, errors.New("sim: capture failed"))
			}
			return
		}
		meta := Metadata{RequestID: req.ID, Orientation: req.Orientation, Timestamp: stamp}
		if metadataFirst && cb.OnCompleted != nil {
			cb.OnCompleted(req, meta)
		}
		if !lose {
			for _, t := range req.Targets {
				if src := s.dev.source(t.ID); src != nil {
					src.deliver(!drop, meta.Timestamp)
				}
			}
		}
		if !metadataFirst && cb.OnCompleted != nil {
			cb.OnCompleted(req, meta)
		}
	}

	if hold {
		sim.mu.Lock()
		sim.held = append(sim.held, deliver)
		sim.mu.Unlock()
		return nil
	}
	go deliver()
	return nil
}

func (s *simSession) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *simSession) Close() error {
	s.markClosed()
	return nil
}

type simFrameSource struct {
	surface   Surface
	maxImages int

	mu          sync.Mutex
	closed      bool
	queue       []*simFrame
	outstanding int
	onAvailable func()
}

func (f *simFrameSource) Surface() Surface { return f.surface }

func (f *simFrameSource) SetOnAvailable(fn func()) {
	f.mu.Lock()
	f.onAvailable = fn
	f.mu.Unlock()
}

// deliver queues a frame stamped ts (when withBuffer is set) and signals
// availability.
func (f *simFrameSource) deliver(withBuffer bool, ts int64) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if withBuffer {
		f.queue = append(f.queue, &simFrame{src: f, data: placeholderJPEG(), size: f.surface.Size, ts: ts})
	}
	fn := f.onAvailable
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *simFrameSource) AcquireLatest() (Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if len(f.queue) == 0 || f.outstanding >= f.maxImages {
		return nil, ErrBufferUnavailable
	}
	latest := f.queue[len(f.queue)-1]
	f.queue = nil
	f.outstanding++
	return latest, nil
}

func (f *simFrameSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.queue = nil
	f.mu.Unlock()
	return nil
}

// Outstanding returns how many frames are leased and not yet released.
func (f *simFrameSource) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outstanding
}

type simFrame struct {
	src  *simFrameSource
	data []byte
	size Size
	ts   int64
	once sync.Once
}

func (f *simFrame) Bytes() []byte    { return f.data }
func (f *simFrame) Format() Format   { return FormatJPEG }
func (f *simFrame) Size() Size       { return f.size }
func (f *simFrame) Timestamp() int64 { return f.ts }

func (f *simFrame) Release() {
	f.once.Do(func() {
		f.data = nil
		f.src.mu.Lock()
		f.src.outstanding--
		f.src.mu.Unlock()
	})
}

var (
	placeholderOnce sync.Once
	placeholder     []byte
)

// placeholderJPEG returns a fresh copy of a small gray JPEG image.
func placeholderJPEG() []byte {
	placeholderOnce.Do(func() {
		img := image.NewGray(image.Rect(0, 0, 16, 12))
		for i := range img.Pix {
			img.Pix[i] = 0x80
		}
		img.SetGray(0, 0, color.Gray{Y: 0xff})
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err == nil {
			placeholder = buf.Bytes()
		}
	})
	return append([]byte(nil), placeholder...)
}
