package session

// State is the coordinator lifecycle state.
type State int32

const (
	Closed State = iota
	Opening
	Ready
	Configuring
	PreviewActive
	CaptureInFlight
)

func (s State) String() string {
	switch s {
	case Opening:
		return "Opening"
	case Ready:
		return "Ready"
	case Configuring:
		return "Configuring"
	case PreviewActive:
		return "PreviewActive"
	case CaptureInFlight:
		return "CaptureInFlight"
	default:
		return "Closed"
	}
}

// eventKind enumerates everything that can drive the state machine: caller
// requests and hardware callbacks alike.
type eventKind int

const (
	// caller requests
	evOpen eventKind = iota
	evConfigure
	evCapture
	evClose

	// hardware callbacks and internal follow-ups
	evOpened
	evDeviceFailed
	evConfigured
	evConfigureFailed
	evPreviewFailed
	evFrameAvailable
	evCaptureCompleted
	evCaptureFailed
	evFrameTimeout
	evCaptureSettled
)

var eventNames = [...]string{
	evOpen:             "open",
	evConfigure:        "configure",
	evCapture:          "capture",
	evClose:            "close",
	evOpened:           "opened",
	evDeviceFailed:     "device-failed",
	evConfigured:       "configured",
	evConfigureFailed:  "configure-failed",
	evPreviewFailed:    "preview-failed",
	evFrameAvailable:   "frame-available",
	evCaptureCompleted: "capture-completed",
	evCaptureFailed:    "capture-failed",
	evFrameTimeout:     "frame-timeout",
	evCaptureSettled:   "capture-settled",
}

func (e eventKind) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// isRequest reports whether the event carries a caller future.
func (e eventKind) isRequest() bool {
	return e <= evClose
}

type effect int

const (
	effOpenDevice effect = iota
	effResolveOpen
	effAutoConfigure
	effCreateSession
	effStartPreview
	effFailConfigure
	effSubmitStill
	effRejectBusy
	effCollectFrame
	effCollectMetadata
	effCollectFailure
	effCollectTimeout
	effSettleCapture
	effDrainFrame
	effReportFailure
	effTeardown
	effResolveNoop
	effRejectState
	effDiscard
)

// transition is the whole state machine. It has no side effects; the
// coordinator executes the returned effects in order.
func transition(s State, ev eventKind) (State, []effect) {
	switch ev {
	case evClose:
		if s == Closed {
			return Closed, []effect{effResolveNoop}
		}
		return Closed, []effect{effTeardown, effResolveNoop}
	case evDeviceFailed:
		if s == Closed {
			return Closed, []effect{effDiscard}
		}
		return Closed, []effect{effReportFailure, effTeardown}
	case evFrameAvailable:
		if s == CaptureInFlight {
			return s, []effect{effCollectFrame}
		}
		return s, []effect{effDrainFrame}
	}

	switch s {
	case Closed:
		if ev == evOpen {
			return Opening, []effect{effOpenDevice}
		}
	case Opening:
		if ev == evOpened {
			return Ready, []effect{effResolveOpen, effAutoConfigure}
		}
	case Ready:
		switch ev {
		case evConfigure:
			return Configuring, []effect{effCreateSession}
		case evOpen:
			return Ready, []effect{effResolveNoop}
		}
	case Configuring:
		switch ev {
		case evConfigured:
			return PreviewActive, []effect{effStartPreview}
		case evConfigureFailed:
			return Ready, []effect{effFailConfigure}
		}
	case PreviewActive:
		switch ev {
		case evOpen, evConfigure:
			return PreviewActive, []effect{effResolveNoop}
		case evCapture:
			return CaptureInFlight, []effect{effSubmitStill}
		case evPreviewFailed:
			return Ready, []effect{effFailConfigure}
		}
	case CaptureInFlight:
		switch ev {
		case evOpen:
			return CaptureInFlight, []effect{effResolveNoop}
		case evCapture:
			return CaptureInFlight, []effect{effRejectBusy}
		case evCaptureCompleted:
			return CaptureInFlight, []effect{effCollectMetadata}
		case evCaptureFailed:
			return CaptureInFlight, []effect{effCollectFailure}
		case evFrameTimeout:
			return CaptureInFlight, []effect{effCollectTimeout}
		case evCaptureSettled:
			return PreviewActive, []effect{effSettleCapture}
		}
	}
	if ev.isRequest() {
		return s, []effect{effRejectState}
	}
	return s, []effect{effDiscard}
}
