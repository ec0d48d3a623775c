package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/rollq/internal/logger"
	"github.com/marmos91/rollq/pkg/queue"
	"github.com/marmos91/rollq/pkg/rollcycle"
)

// QueueSource is the view of a queue the status endpoints read.
// *queue.Queue implements it.
type QueueSource interface {
	Dir() string
	RollCycle() rollcycle.RollCycle
	IsClosed() bool
	Cycles() ([]int, error)
	HighestCycle() (int, bool, error)
	Inspect(ctx context.Context, cycle int) (queue.SegmentStatus, error)
}

// Response is the envelope of every status response.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// SegmentSummary describes one segment file.
type SegmentSummary struct {
	Cycle     int       `json:"cycle"`
	Path      string    `json:"path"`
	Entries   uint64    `json:"entries"`
	End       int64     `json:"end"`
	Extent    int64     `json:"extent"`
	Capacity  int64     `json:"capacity"`
	Sealed    bool      `json:"sealed"`
	Working   bool      `json:"working"`
	Refs      int       `json:"refs"`
	InUse     bool      `json:"in_use"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSegmentSummary converts a queue.SegmentStatus.
func NewSegmentSummary(st queue.SegmentStatus) SegmentSummary {
	return SegmentSummary{
		Cycle:     st.Cycle,
		Path:      st.Path,
		Entries:   st.Entries,
		End:       st.End,
		Extent:    st.Extent,
		Capacity:  st.Capacity,
		Sealed:    st.Sealed,
		Working:   st.Working,
		Refs:      st.Refs,
		InUse:     st.Refs > 0,
		CreatedAt: st.CreatedAt,
	}
}

type handler struct {
	q         QueueSource
	startTime time.Time
}

func newHandler(q QueueSource) *handler {
	return &handler{q: q, startTime: time.Now()}
}

// writeJSON encodes to a buffer first so an encoding failure can still be
// reported before headers are sent.
func writeJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", logger.Err(err))
		http.Error(w, `{"status":"error","error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func ok(status string, data any) Response {
	return Response{Status: status, Timestamp: time.Now().UTC(), Data: data}
}

func failed(status, msg string) Response {
	return Response{Status: status, Timestamp: time.Now().UTC(), Error: msg}
}

// Liveness handles GET /health.
func (h *handler) Liveness(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	writeJSON(w, http.StatusOK, ok("healthy", map[string]any{
		"service":    "rollq",
		"started_at": h.startTime.UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
		"uptime_sec": int64(uptime.Seconds()),
	}))
}

// Readiness handles GET /health/ready.
func (h *handler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.q == nil || h.q.IsClosed() {
		writeJSON(w, http.StatusServiceUnavailable, failed("unhealthy", "queue not open"))
		return
	}

	data := map[string]any{
		"dir":        h.q.Dir(),
		"roll_cycle": h.q.RollCycle().Name,
	}
	if highest, found, err := h.q.HighestCycle(); err == nil && found {
		data["highest_cycle"] = highest
	}
	writeJSON(w, http.StatusOK, ok("healthy", data))
}

// Segments handles GET /segments.
func (h *handler) Segments(w http.ResponseWriter, r *http.Request) {
	if h.q == nil {
		writeJSON(w, http.StatusServiceUnavailable, failed("error", "queue not open"))
		return
	}

	cycles, err := h.q.Cycles()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, failed("error", err.Error()))
		return
	}

	segments := make([]SegmentSummary, 0, len(cycles))
	for _, c := range cycles {
		st, err := h.q.Inspect(r.Context(), c)
		if errors.Is(err, queue.ErrSegmentNotFound) {
			// Removed between listing and mapping.
			continue
		}
		if err != nil {
			writeJSON(w, statusFor(err), failed("error", err.Error()))
			return
		}
		segments = append(segments, NewSegmentSummary(st))
	}
	writeJSON(w, http.StatusOK, ok("ok", segments))
}

// Segment handles GET /segments/{cycle}.
func (h *handler) Segment(w http.ResponseWriter, r *http.Request) {
	if h.q == nil {
		writeJSON(w, http.StatusServiceUnavailable, failed("error", "queue not open"))
		return
	}

	cycle, err := strconv.Atoi(chi.URLParam(r, "cycle"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failed("error", "cycle must be an integer"))
		return
	}

	st, err := h.q.Inspect(r.Context(), cycle)
	if err != nil {
		writeJSON(w, statusFor(err), failed("error", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, ok("ok", NewSegmentSummary(st)))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrSegmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IndexLocation says where an index lives and whether its entry has been
// written.
type IndexLocation struct {
	Index   string `json:"index"`
	Value   uint64 `json:"value"`
	Cycle   int    `json:"cycle"`
	Seq     uint64 `json:"seq"`
	Path    string `json:"path"`
	Written bool   `json:"written"`
}

// Index handles GET /index/{index}. The index is "cycle:seq", decimal or
// 0x-prefixed hex.
func (h *handler) Index(w http.ResponseWriter, r *http.Request) {
	if h.q == nil {
		writeJSON(w, http.StatusServiceUnavailable, failed("error", "queue not open"))
		return
	}

	idx, err := rollcycle.ParseIndex(chi.URLParam(r, "index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, failed("error", err.Error()))
		return
	}

	st, err := h.q.Inspect(r.Context(), idx.Cycle())
	if err != nil {
		writeJSON(w, statusFor(err), failed("error", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, ok("ok", IndexLocation{
		Index:   idx.String(),
		Value:   uint64(idx),
		Cycle:   idx.Cycle(),
		Seq:     idx.Seq(),
		Path:    st.Path,
		Written: idx.Seq() < st.Entries,
	}))
}
