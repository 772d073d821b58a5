package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition_Table(t *testing.T) {
	cases := []struct {
		from State
		ev   eventKind
		to   State
		effs []effect
	}{
		{Closed, evOpen, Opening, []effect{effOpenDevice}},
		{Opening, evOpened, Ready, []effect{effResolveOpen, effAutoConfigure}},
		{Opening, evDeviceFailed, Closed, []effect{effReportFailure, effTeardown}},
		{Ready, evConfigure, Configuring, []effect{effCreateSession}},
		{Configuring, evConfigured, PreviewActive, []effect{effStartPreview}},
		{Configuring, evConfigureFailed, Ready, []effect{effFailConfigure}},
		{PreviewActive, evConfigure, PreviewActive, []effect{effResolveNoop}},
		{PreviewActive, evCapture, CaptureInFlight, []effect{effSubmitStill}},
		{PreviewActive, evPreviewFailed, Ready, []effect{effFailConfigure}},
		{CaptureInFlight, evCapture, CaptureInFlight, []effect{effRejectBusy}},
		{CaptureInFlight, evFrameAvailable, CaptureInFlight, []effect{effCollectFrame}},
		{CaptureInFlight, evCaptureCompleted, CaptureInFlight, []effect{effCollectMetadata}},
		{CaptureInFlight, evCaptureFailed, CaptureInFlight, []effect{effCollectFailure}},
		{CaptureInFlight, evFrameTimeout, CaptureInFlight, []effect{effCollectTimeout}},
		{CaptureInFlight, evCaptureSettled, PreviewActive, []effect{effSettleCapture}},
		{CaptureInFlight, evDeviceFailed, Closed, []effect{effReportFailure, effTeardown}},
		{Closed, evClose, Closed, []effect{effResolveNoop}},
		{Closed, evDeviceFailed, Closed, []effect{effDiscard}},
		{PreviewActive, evFrameAvailable, PreviewActive, []effect{effDrainFrame}},
	}
	for _, tc := range cases {
		t.Run(tc.from.String()+"/"+tc.ev.String(), func(t *testing.T) {
			to, effs := transition(tc.from, tc.ev)
			assert.Equal(t, tc.to, to)
			assert.Equal(t, tc.effs, effs)
		})
	}
}

func TestTransition_CloseFromAnyStateEndsClosed(t *testing.T) {
	for s := Closed; s <= CaptureInFlight; s++ {
		to, effs := transition(s, evClose)
		assert.Equal(t, Closed, to, "from %s", s)
		if s != Closed {
			assert.Contains(t, effs, effTeardown, "from %s", s)
		}
	}
}

func TestTransition_InvalidRequestsAreRejected(t *testing.T) {
	cases := []struct {
		from State
		ev   eventKind
	}{
		{Closed, evConfigure},
		{Closed, evCapture},
		{Opening, evOpen},
		{Opening, evCapture},
		{Ready, evCapture},
		{Configuring, evConfigure},
		{Configuring, evCapture},
	}
	for _, tc := range cases {
		to, effs := transition(tc.from, tc.ev)
		assert.Equal(t, tc.from, to, "%s/%s", tc.from, tc.ev)
		assert.Equal(t, []effect{effRejectState}, effs, "%s/%s", tc.from, tc.ev)
	}
}

func TestTransition_StrayCallbacksAreDiscarded(t *testing.T) {
	cases := []struct {
		from State
		ev   eventKind
	}{
		{Ready, evConfigured},
		{PreviewActive, evOpened},
		{PreviewActive, evCaptureCompleted},
		{Ready, evCaptureSettled},
		{Closed, evFrameTimeout},
	}
	for _, tc := range cases {
		to, effs := transition(tc.from, tc.ev)
		assert.Equal(t, tc.from, to, "%s/%s", tc.from, tc.ev)
		assert.Equal(t, []effect{effDiscard}, effs, "%s/%s", tc.from, tc.ev)
	}
}

func TestKind_Recoverable(t *testing.T) {
	for _, k := range []Kind{SessionConfigFailed, CaptureBusy, FrameLost, PersistFailed} {
		assert.True(t, k.Recoverable(), k.String())
	}
	for _, k := range []Kind{DeviceUnavailable, PermissionDenied, AccessError, NoSupportedFormat} {
		assert.False(t, k.Recoverable(), k.String())
	}
}
