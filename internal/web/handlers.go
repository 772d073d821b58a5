package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/cjeanneret/camsession/internal/logic/session"
	"github.com/cjeanneret/camsession/internal/store"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
)

// maxBodyBytes bounds request bodies; commands carry a few bytes of JSON.
const maxBodyBytes = 4 << 10

// maxListLimit caps GET /captures?limit=N.
const maxListLimit = 500

// Controller is the part of the session coordinator the handlers drive.
type Controller interface {
	RequestOpen() *session.Result
	ConfigurePreview() *session.Result
	RequestCapture(rotationDegrees int) *session.Result
	RequestClose() *session.Result
	State() session.State
}

// CaptureLister lists persisted stills, newest first.
type CaptureLister interface {
	Recent(ctx context.Context, limit int) ([]store.Record, error)
}

// CaptureBody is the optional JSON body of POST /capture.
type CaptureBody struct {
	Rotation *int `json:"rotation"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster     *StatusBroadcaster
	Camera          Controller
	History         CaptureLister // nil disables GET /captures
	DefaultRotation int
}

// NewHandlers creates handlers with the given dependencies.
// If camera is nil, the command routes return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, camera Controller, defaultRotation int) *Handlers {
	return &Handlers{
		Broadcaster:     broadcaster,
		Camera:          camera,
		DefaultRotation: defaultRotation,
	}
}

type stateResponse struct {
	State string `json:"state"`
}

type previewResponse struct {
	State  string `json:"state"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type captureResponse struct {
	State string `json:"state"`
	Path  string `json:"path"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// HandleHealthz answers liveness probes.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// HandleState handles GET /state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{State: h.Camera.State().String()})
}

// HandleOpen handles POST /open.
func (h *Handlers) HandleOpen(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	h.logCommand(r, "open")
	if !h.await(w, r, h.Camera.RequestOpen()) {
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{State: h.Camera.State().String()})
}

// HandlePreview handles POST /preview.
func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	h.logCommand(r, "preview")
	res := h.Camera.ConfigurePreview()
	if !h.await(w, r, res) {
		return
	}
	size := res.PreviewSize()
	writeJSON(w, http.StatusOK, previewResponse{
		State:  h.Camera.State().String(),
		Width:  size.Width,
		Height: size.Height,
	})
}

// HandleCapture handles POST /capture. The body is optional; without it the
// configured default rotation is used.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	rotation, err := h.decodeRotation(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h.logCommand(r, "capture rotation="+strconv.Itoa(rotation))
	res := h.Camera.RequestCapture(rotation)
	if !h.await(w, r, res) {
		return
	}
	writeJSON(w, http.StatusOK, captureResponse{State: h.Camera.State().String(), Path: res.Path()})
}

// HandleClose handles POST /close.
func (h *Handlers) HandleClose(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	h.logCommand(r, "close")
	if !h.await(w, r, h.Camera.RequestClose()) {
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{State: h.Camera.State().String()})
}

// HandleCaptures handles GET /captures?limit=N.
func (h *Handlers) HandleCaptures(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "capture history disabled"})
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxListLimit {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error: "limit must be between 1 and " + strconv.Itoa(maxListLimit),
			})
			return
		}
		limit = n
	}
	recs, err := h.History.Recent(r.Context(), limit)
	if err != nil {
		debug.Error(errors.Wrap(err, "list captures"))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "list captures failed"})
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, http.StatusOK, map[string][]store.Record{"captures": recs})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handlers) ready(w http.ResponseWriter) bool {
	if h.Camera == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "camera not configured"})
		return false
	}
	return true
}

func (h *Handlers) decodeRotation(w http.ResponseWriter, r *http.Request) (int, error) {
	var body CaptureBody
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body)
	switch {
	case err == io.EOF:
		return h.DefaultRotation, nil
	case err != nil:
		return 0, errors.New("invalid JSON")
	case body.Rotation == nil:
		return h.DefaultRotation, nil
	}
	return *body.Rotation, nil
}

// await blocks until res resolves and writes the error response if it
// failed. When the request context ends first nothing is written; the
// Timeout middleware answers 504.
func (h *Handlers) await(w http.ResponseWriter, r *http.Request, res *session.Result) bool {
	select {
	case <-res.Done():
	case <-r.Context().Done():
		debug.Verbose("web: request %s abandoned: %v", middleware.GetReqID(r.Context()), r.Context().Err())
		return false
	}
	if err := res.Err(); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func (h *Handlers) logCommand(r *http.Request, cmd string) {
	debug.Verbose("web: %s [%s]", cmd, middleware.GetReqID(r.Context()))
}

// StatusFor maps a coordinator error kind to an HTTP status.
func StatusFor(kind session.Kind) int {
	switch kind {
	case session.CaptureBusy, session.InvalidState, session.Disconnected:
		return http.StatusConflict
	case session.PermissionDenied:
		return http.StatusForbidden
	case session.DeviceUnavailable:
		return http.StatusServiceUnavailable
	case session.InvalidArgument:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	kind := session.KindOf(err)
	resp := errorResponse{Error: err.Error()}
	if kind != 0 {
		resp.Kind = kind.String()
	}
	writeJSON(w, StatusFor(kind), resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
