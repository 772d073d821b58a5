package web

import (
	"fmt"

	"github.com/cjeanneret/camsession/internal/hw/camera"
	"github.com/cjeanneret/camsession/internal/logic/session"
)

// SessionListener publishes coordinator notifications on the status stream.
// Its methods are called on the coordinator's worker and never block.
type SessionListener struct {
	b *StatusBroadcaster
}

// NewSessionListener returns a session.Listener backed by b.
func NewSessionListener(b *StatusBroadcaster) *SessionListener {
	return &SessionListener{b: b}
}

var _ session.Listener = (*SessionListener)(nil)

func (l *SessionListener) OnPreviewReady(size camera.Size) {
	l.b.Publish(StatusEvent{
		Level: "info",
		Event: EventPreviewReady,
		Msg:   fmt.Sprintf("Preview running at %s", size),
	})
}

func (l *SessionListener) OnCaptured(path string) {
	l.b.Publish(StatusEvent{
		Level: "info",
		Event: EventCaptured,
		Msg:   "Captured " + path,
		Path:  path,
	})
}

func (l *SessionListener) OnError(kind session.Kind, msg string) {
	l.b.Publish(StatusEvent{
		Level: "error",
		Event: EventError,
		Kind:  kind.String(),
		Msg:   msg,
	})
}
