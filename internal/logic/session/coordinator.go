package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/cjeanneret/camsession/internal/logic/dispatch"
	"github.com/cjeanneret/camsession/internal/logic/persist"
	"github.com/cjeanneret/camsession/internal/logic/request"
	"github.com/cjeanneret/camsession/internal/logic/streamconf"
	"github.com/pkg/errors"
)

// Listener receives coordinator notifications. Calls are made one at a time
// from the coordinator's worker goroutine and must not block. A notification
// caused by a request is delivered before that request's Result resolves.
type Listener interface {
	OnPreviewReady(size camera.Size)
	OnCaptured(path string)
	OnError(kind Kind, msg string)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	PreviewReady func(size camera.Size)
	Captured     func(path string)
	Error        func(kind Kind, msg string)
}

func (l ListenerFuncs) OnPreviewReady(size camera.Size) {
	if l.PreviewReady != nil {
		l.PreviewReady(size)
	}
}

func (l ListenerFuncs) OnCaptured(path string) {
	if l.Captured != nil {
		l.Captured(path)
	}
}

func (l ListenerFuncs) OnError(kind Kind, msg string) {
	if l.Error != nil {
		l.Error(kind, msg)
	}
}

// Persister writes a frame to storage and releases it.
type Persister interface {
	Persist(frame camera.Frame) (persist.Result, error)
}

// Indicator is driven busy while a still capture is in flight.
type Indicator interface {
	SetBusy(busy bool) error
}

// Capture describes a persisted still.
type Capture struct {
	RequestID   string
	Path        string
	Bytes       int64
	At          time.Time
	Orientation int
	Size        camera.Size
}

// Recorder catalogs persisted stills.
type Recorder interface {
	Record(c Capture) error
}

// Options tunes a Coordinator. Zero values select the defaults.
type Options struct {
	DeviceID       string // empty: first device reported by the backend
	PreviewTarget  string // surface id of the host preview view
	AutoPreview    bool   // configure the preview as soon as the device opens
	MaxImages      int
	FrameTimeout   time.Duration // wait for the frame once capture metadata arrived
	CaptureTimeout time.Duration // wait for any capture callback after submission

	Registry   *Registry
	Indicator  Indicator
	Recorder   Recorder
	Dispatcher *dispatch.Dispatcher
}

const (
	DefaultPreviewTarget  = "preview"
	DefaultMaxImages      = 2
	DefaultFrameTimeout   = 2 * time.Second
	DefaultCaptureTimeout = 10 * time.Second
)

type event struct {
	kind     eventKind
	gen      uint64
	seq      uint64
	res      *Result
	rotation int
	err      *Error
	session  camera.Session
	meta     camera.Metadata
}

// pendingCapture joins the frame and metadata legs of one still capture.
// A frame belongs to the capture when its timestamp equals the sensor
// timestamp in the capture's metadata.
type pendingCapture struct {
	seq       uint64
	req       camera.Request
	res       *Result
	timer     *time.Timer
	stamp     int64
	frame     camera.Frame // leased before the metadata arrived
	haveFrame bool
	haveMeta  bool
	terminal  bool
	settling  bool
	failure   *Error
	persisted persist.Result
}

// hold keeps f until the metadata can tell whether it belongs here.
func (pc *pendingCapture) hold(f camera.Frame) {
	pc.dropFrame()
	pc.frame = f
}

func (pc *pendingCapture) dropFrame() {
	if pc.frame != nil {
		pc.frame.Release()
		pc.frame = nil
	}
}

// Coordinator drives one camera device through open, preview, capture and
// close. Requests return immediately with a Result; every state change runs
// on a single dispatcher worker, so hardware callbacks arriving from other
// goroutines are serialized with caller requests.
//
// Each open starts a new lineage. Callbacks from an earlier lineage are
// dropped, which makes close safe to call at any point.
type Coordinator struct {
	backend    camera.Backend
	persister  Persister
	listener   Listener
	opts       Options
	registry   *Registry
	dispatcher *dispatch.Dispatcher
	builder    request.Builder

	state atomic.Int32

	// Owned by the worker.
	cur       State
	gen       uint64
	seq       uint64
	deviceID  string
	claimed   bool
	handle    *camera.Handle
	selection streamconf.Selection
	source    camera.FrameSource
	session   camera.Session
	openRes   *Result
	configRes *Result
	inflight  *pendingCapture
}

// New creates a closed coordinator.
func New(backend camera.Backend, persister Persister, listener Listener, opts Options) *Coordinator {
	if opts.PreviewTarget == "" {
		opts.PreviewTarget = DefaultPreviewTarget
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = DefaultMaxImages
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = DefaultFrameTimeout
	}
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = DefaultCaptureTimeout
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}
	c := &Coordinator{
		backend:    backend,
		persister:  persister,
		listener:   listener,
		opts:       opts,
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
	}
	if c.registry == nil {
		c.registry = DefaultRegistry
	}
	if c.dispatcher == nil {
		c.dispatcher = dispatch.New("camera")
	}
	return c
}

// State returns the current state. It may be read from any goroutine.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// RequestOpen opens the configured device. Opening an open device resolves
// immediately.
func (c *Coordinator) RequestOpen() *Result {
	return c.request(event{kind: evOpen})
}

// ConfigurePreview creates the capture session and starts the live preview.
// The result carries the preview size.
func (c *Coordinator) ConfigurePreview() *Result {
	return c.request(event{kind: evConfigure})
}

// RequestCapture takes one still with orientation metadata for the given
// display rotation (0, 90, 180 or 270). The result carries the file path.
func (c *Coordinator) RequestCapture(rotationDegrees int) *Result {
	if _, err := request.JPEGOrientation(rotationDegrees); err != nil {
		res := newResult()
		e := newError(InvalidArgument, fmt.Sprintf("rotation %d", rotationDegrees), err)
		if perr := c.dispatcher.Post(func() { c.fail(res, e) }); perr != nil {
			res.resolve(e)
		}
		return res
	}
	return c.request(event{kind: evCapture, rotation: rotationDegrees})
}

// RequestClose releases the device from any state. Pending requests resolve
// with Disconnected.
func (c *Coordinator) RequestClose() *Result {
	return c.request(event{kind: evClose})
}

// OnForeground starts the worker.
func (c *Coordinator) OnForeground() {
	c.dispatcher.Start()
}

// OnBackground closes the device and stops the worker once everything
// queued has run.
func (c *Coordinator) OnBackground() {
	c.RequestClose()
	c.dispatcher.Stop()
}

func (c *Coordinator) request(ev event) *Result {
	ev.res = newResult()
	c.post(ev)
	return ev.res
}

func (c *Coordinator) post(ev event) {
	err := c.dispatcher.Post(func() { c.step(ev) })
	if err == nil {
		return
	}
	debug.Trace("Coordinator: dropping %s: %v", ev.kind, err)
	if ev.res == nil {
		return
	}
	if ev.kind == evClose && c.State() == Closed {
		ev.res.resolve(nil)
		return
	}
	ev.res.resolve(newError(InvalidState, "coordinator is stopped", err))
}

func (c *Coordinator) setState(s State) {
	c.cur = s
	c.state.Store(int32(s))
}

func (c *Coordinator) step(ev event) {
	if !ev.kind.isRequest() && ev.gen != c.gen {
		debug.Trace("Coordinator: stale %s from lineage %d (current %d)", ev.kind, ev.gen, c.gen)
		c.discard(&ev)
		return
	}

	from := c.cur
	to, effs := transition(from, ev.kind)
	c.setState(to)
	if from != to {
		debug.Transition(from.String(), to.String(), ev.kind.String())
	}

	var follow []event
	for _, eff := range effs {
		if next, ok := c.run(eff, &ev); ok {
			follow = append(follow, next)
		}
	}
	for _, next := range follow {
		c.step(next)
	}
}

func (c *Coordinator) run(eff effect, ev *event) (event, bool) {
	switch eff {
	case effOpenDevice:
		return c.openDevice(ev)
	case effResolveOpen:
		debug.Info("Camera %s opened", c.deviceID)
		if c.openRes != nil {
			c.openRes.resolve(nil)
			c.openRes = nil
		}
	case effAutoConfigure:
		if c.opts.AutoPreview {
			return event{kind: evConfigure}, true
		}
	case effCreateSession:
		return c.createSession(ev)
	case effStartPreview:
		return c.startPreview(ev)
	case effFailConfigure:
		c.releaseSession()
		c.fail(c.configRes, ev.err)
		c.configRes = nil
	case effSubmitStill:
		return c.submitStill(ev)
	case effRejectBusy:
		c.fail(ev.res, newError(CaptureBusy, "a capture is already in flight", nil))
	case effCollectFrame:
		return c.collectFrame()
	case effCollectMetadata:
		return c.collectMetadata(ev)
	case effCollectFailure:
		return c.collectTerminal(ev, ev.err)
	case effCollectTimeout:
		return c.collectTerminal(ev, newError(FrameLost, "no frame delivered in time", nil))
	case effSettleCapture:
		return c.settleCapture(ev)
	case effDrainFrame:
		c.drainFrame()
	case effReportFailure:
		c.notifyError(ev.err)
		if c.openRes != nil {
			c.openRes.resolve(ev.err)
			c.openRes = nil
		}
	case effTeardown:
		c.teardown()
	case effResolveNoop:
		c.resolveNoop(ev)
	case effRejectState:
		c.fail(ev.res, newError(InvalidState, fmt.Sprintf("%s not allowed while %s", ev.kind, c.cur), nil))
	case effDiscard:
		c.discard(ev)
	}
	return event{}, false
}

func (c *Coordinator) openDevice(ev *event) (event, bool) {
	c.gen++
	c.openRes = ev.res
	failed := func(fallback Kind, msg string, err error) (event, bool) {
		return event{kind: evDeviceFailed, gen: c.gen, err: classify(err, fallback, msg)}, true
	}

	id, err := c.resolveDeviceID()
	if err != nil {
		return failed(DeviceUnavailable, "no camera device", err)
	}
	if err := c.registry.Claim(id, c); err != nil {
		return failed(DeviceUnavailable, "device "+id+" is attached elsewhere", err)
	}
	c.deviceID, c.claimed = id, true

	caps, err := c.backend.Capabilities(id)
	if err != nil {
		return failed(AccessError, "read capabilities of device "+id, err)
	}
	sel, err := streamconf.Select(caps)
	if err != nil {
		return failed(NoSupportedFormat, "device "+id, err)
	}
	c.selection = sel
	debug.Verbose("Stream configuration for %s: preview %s, still %s", id, sel.Preview, sel.Still)

	gen := c.gen
	c.handle = camera.NewHandle(id)
	err = c.handle.Open(c.backend, camera.DeviceCallbacks{
		OnOpened: func(camera.Device) {
			c.post(event{kind: evOpened, gen: gen})
		},
		OnDisconnected: func(camera.Device) {
			c.post(event{kind: evDeviceFailed, gen: gen,
				err: newError(DeviceUnavailable, "device "+id+" disconnected", camera.ErrDisconnected)})
		},
		OnError: func(_ camera.Device, err error) {
			c.post(event{kind: evDeviceFailed, gen: gen, err: classify(err, AccessError, "device "+id)})
		},
	})
	if err != nil {
		return failed(AccessError, "open device "+id, err)
	}
	return event{}, false
}

func (c *Coordinator) resolveDeviceID() (string, error) {
	if c.opts.DeviceID != "" {
		return c.opts.DeviceID, nil
	}
	ids, err := c.backend.DeviceIDs()
	if err != nil {
		return "", errors.Wrap(err, "list devices")
	}
	if len(ids) == 0 {
		return "", errors.Wrap(camera.ErrNoDevice, "backend reports no devices")
	}
	return ids[0], nil
}

func (c *Coordinator) previewSurface() camera.Surface {
	return camera.Surface{ID: c.opts.PreviewTarget, Size: c.selection.Preview, Format: camera.FormatPreview}
}

func (c *Coordinator) createSession(ev *event) (event, bool) {
	c.configRes = ev.res
	configFailed := func(msg string, err error) (event, bool) {
		return event{kind: evConfigureFailed, gen: c.gen, err: newError(SessionConfigFailed, msg, err)}, true
	}

	dev := c.handle.Device()
	if dev == nil {
		return event{kind: evDeviceFailed, gen: c.gen,
			err: newError(AccessError, "device "+c.deviceID+" is not open", camera.ErrClosed)}, true
	}
	c.releaseSession()

	src, err := dev.NewFrameSource(c.selection.Still, camera.FormatJPEG, c.opts.MaxImages)
	if err != nil {
		return configFailed("create still frame source", err)
	}
	gen := c.gen
	src.SetOnAvailable(func() {
		c.post(event{kind: evFrameAvailable, gen: gen})
	})
	c.source = src

	err = dev.CreateSession([]camera.Surface{c.previewSurface(), src.Surface()}, camera.SessionCallbacks{
		OnConfigured: func(s camera.Session) {
			c.post(event{kind: evConfigured, gen: gen, session: s})
		},
		OnConfigureFailed: func(err error) {
			c.post(event{kind: evConfigureFailed, gen: gen, err: newError(SessionConfigFailed, "configure session", err)})
		},
	})
	if err != nil {
		return configFailed("create session", err)
	}
	return event{}, false
}

func (c *Coordinator) startPreview(ev *event) (event, bool) {
	c.session = ev.session
	if err := c.session.SetRepeatingRequest(c.builder.BuildPreview(c.previewSurface())); err != nil {
		return event{kind: evPreviewFailed, gen: c.gen, err: newError(SessionConfigFailed, "start preview", err)}, true
	}
	size := c.selection.Preview
	debug.Info("Preview active at %s", size)
	c.listener.OnPreviewReady(size)
	if c.configRes != nil {
		c.configRes.resolvePreview(size)
		c.configRes = nil
	}
	return event{}, false
}

func (c *Coordinator) submitStill(ev *event) (event, bool) {
	c.seq++
	pc := &pendingCapture{seq: c.seq, res: ev.res}
	c.inflight = pc

	req, err := c.builder.BuildStillCapture(c.source.Surface(), ev.rotation)
	if err != nil {
		pc.failure = newError(InvalidArgument, fmt.Sprintf("rotation %d", ev.rotation), err)
		pc.terminal = true
		return c.maybeSettle(pc)
	}
	pc.req = req

	if err := c.session.StopRepeating(); err != nil {
		return c.abortCapture(pc, classify(err, AccessError, "pause preview"))
	}
	c.setIndicator(true)
	debug.Capture(req.ID, req.Orientation)

	gen, seq := c.gen, pc.seq
	err = c.session.Capture(req, camera.CaptureCallbacks{
		OnCompleted: func(_ camera.Request, m camera.Metadata) {
			c.post(event{kind: evCaptureCompleted, gen: gen, seq: seq, meta: m})
		},
		OnFailed: func(_ camera.Request, err error) {
			c.post(event{kind: evCaptureFailed, gen: gen, seq: seq, err: newError(FrameLost, "capture failed", err)})
		},
	})
	if err != nil {
		return c.abortCapture(pc, classify(err, AccessError, "submit still capture"))
	}
	pc.timer = c.startTimer(c.opts.CaptureTimeout, gen, seq)
	return event{}, false
}

// abortCapture resolves the capture with e and fails the device with the
// same error, so the caller and the listener see one outcome.
func (c *Coordinator) abortCapture(pc *pendingCapture, e *Error) (event, bool) {
	if pc.res != nil {
		pc.res.resolve(e)
		pc.res = nil
	}
	return event{kind: evDeviceFailed, gen: c.gen, err: e}, true
}

func (c *Coordinator) startTimer(d time.Duration, gen, seq uint64) *time.Timer {
	return time.AfterFunc(d, func() {
		c.post(event{kind: evFrameTimeout, gen: gen, seq: seq})
	})
}

// current returns the in-flight capture an event belongs to, if any.
func (c *Coordinator) current(ev *event) *pendingCapture {
	pc := c.inflight
	if pc == nil || pc.settling || (ev != nil && ev.seq != pc.seq) {
		return nil
	}
	return pc
}

func (c *Coordinator) collectFrame() (event, bool) {
	pc := c.current(nil)
	if pc == nil || pc.haveFrame {
		c.drainFrame()
		return event{}, false
	}
	frame, err := c.source.AcquireLatest()
	if err != nil {
		// Settled by the frame timer unless the matching frame still shows up.
		pc.failure = newError(FrameLost, "acquire frame", err)
		return event{}, false
	}
	if !pc.haveMeta {
		pc.hold(frame)
		return event{}, false
	}
	return c.matchFrame(pc, frame)
}

// matchFrame persists frame if it belongs to pc and releases it otherwise.
func (c *Coordinator) matchFrame(pc *pendingCapture, frame camera.Frame) (event, bool) {
	if frame.Timestamp() != pc.stamp {
		debug.Trace("Coordinator: frame %d does not belong to capture %s (%d)", frame.Timestamp(), pc.req.ID, pc.stamp)
		frame.Release()
		return event{}, false
	}
	pc.haveFrame = true
	pc.failure = nil

	res, err := c.persister.Persist(frame)
	if err != nil {
		pc.failure = newError(PersistFailed, "persist frame", err)
		return c.maybeSettle(pc)
	}
	pc.persisted = res
	return c.maybeSettle(pc)
}

func (c *Coordinator) collectMetadata(ev *event) (event, bool) {
	pc := c.current(ev)
	if pc == nil {
		return event{}, false
	}
	pc.haveMeta = true
	pc.stamp = ev.meta.Timestamp
	if f := pc.frame; f != nil {
		pc.frame = nil
		if next, ok := c.matchFrame(pc, f); pc.haveFrame {
			return next, ok
		}
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.timer = c.startTimer(c.opts.FrameTimeout, c.gen, pc.seq)
	return event{}, false
}

func (c *Coordinator) collectTerminal(ev *event, e *Error) (event, bool) {
	pc := c.current(ev)
	if pc == nil {
		return event{}, false
	}
	if !pc.haveFrame && pc.failure == nil {
		pc.failure = e
	}
	pc.terminal = true
	return c.maybeSettle(pc)
}

func (c *Coordinator) maybeSettle(pc *pendingCapture) (event, bool) {
	if !pc.terminal && !(pc.haveFrame && pc.haveMeta) {
		return event{}, false
	}
	pc.settling = true
	return event{kind: evCaptureSettled, gen: c.gen, seq: pc.seq}, true
}

func (c *Coordinator) settleCapture(ev *event) (event, bool) {
	pc := c.inflight
	c.inflight = nil
	if pc == nil {
		return event{}, false
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.dropFrame()
	c.setIndicator(false)

	var follow event
	resumeFailed := false
	if err := c.session.SetRepeatingRequest(c.builder.BuildPreview(c.previewSurface())); err != nil {
		follow = event{kind: evDeviceFailed, gen: c.gen, err: classify(err, AccessError, "resume preview")}
		resumeFailed = true
	}

	if pc.failure != nil {
		c.fail(pc.res, pc.failure)
		return follow, resumeFailed
	}
	c.record(pc)
	c.listener.OnCaptured(pc.persisted.Path)
	if pc.res != nil {
		pc.res.resolvePath(pc.persisted.Path)
	}
	return follow, resumeFailed
}

func (c *Coordinator) record(pc *pendingCapture) {
	if c.opts.Recorder == nil {
		return
	}
	err := c.opts.Recorder.Record(Capture{
		RequestID:   pc.req.ID,
		Path:        pc.persisted.Path,
		Bytes:       pc.persisted.Bytes,
		At:          pc.persisted.At,
		Orientation: pc.req.Orientation,
		Size:        c.selection.Still,
	})
	if err != nil {
		debug.Error(errors.Wrap(err, "record capture"))
	}
}

// drainFrame returns a frame nobody is waiting for to the pool.
func (c *Coordinator) drainFrame() {
	if c.source == nil {
		return
	}
	if f, err := c.source.AcquireLatest(); err == nil {
		debug.Trace("Coordinator: dropping unrequested frame")
		f.Release()
	}
}

func (c *Coordinator) resolveNoop(ev *event) {
	if ev.res == nil {
		return
	}
	if ev.kind == evConfigure {
		ev.res.resolvePreview(c.selection.Preview)
		return
	}
	ev.res.resolve(nil)
}

func (c *Coordinator) discard(ev *event) {
	if ev.session != nil {
		_ = ev.session.Close()
	}
	debug.Trace("Coordinator: ignoring %s while %s", ev.kind, c.cur)
}

func (c *Coordinator) releaseSession() {
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			debug.Error(errors.Wrap(err, "close session"))
		}
		c.session = nil
	}
	if c.source != nil {
		if err := c.source.Close(); err != nil {
			debug.Error(errors.Wrap(err, "close frame source"))
		}
		c.source = nil
	}
}

// teardown releases everything the current lineage holds and cancels the
// requests still waiting on it.
func (c *Coordinator) teardown() {
	c.gen++
	if pc := c.inflight; pc != nil {
		c.inflight = nil
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.dropFrame()
		c.setIndicator(false)
		c.cancel(pc.res)
	}
	c.releaseSession()
	if c.handle != nil {
		if err := c.handle.Close(); err != nil {
			debug.Error(errors.Wrap(err, "close device"))
		}
		c.handle = nil
		debug.Info("Camera %s closed", c.deviceID)
	}
	if c.claimed {
		c.registry.Release(c.deviceID, c)
		c.claimed = false
	}
	c.cancel(c.openRes)
	c.openRes = nil
	c.cancel(c.configRes)
	c.configRes = nil
	c.selection = streamconf.Selection{}
}

func (c *Coordinator) cancel(res *Result) {
	if res != nil {
		res.resolve(newError(Disconnected, "device closed", nil))
	}
}

// fail reports e to the listener, then resolves res with it.
func (c *Coordinator) fail(res *Result, e *Error) {
	c.notifyError(e)
	if res != nil {
		res.resolve(e)
	}
}

func (c *Coordinator) notifyError(e *Error) {
	debug.Error(e)
	c.listener.OnError(e.Kind, e.Error())
}

func (c *Coordinator) setIndicator(busy bool) {
	if c.opts.Indicator == nil {
		return
	}
	if err := c.opts.Indicator.SetBusy(busy); err != nil {
		debug.Error(errors.Wrap(err, "capture indicator"))
	}
}
