package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// LogLine is one scripted log stream entry of the fake backend.
type LogLine struct {
	Seq    uint64
	Data   string
	Stream string
}

// SubmitRecord captures what a submit request carried on the wire.
type SubmitRecord struct {
	Command     []string          `json:"command"`
	Environment map[string]string `json:"environment"`
	Secrets     map[string]string `json:"secrets"`
	Flavor      string            `json:"flavor"`
	TimeoutSecs int64             `json:"timeoutSeconds"`
	DockerImage string            `json:"dockerImage"`
	SpaceID     string            `json:"spaceId"`
	RequestID   string            `json:"-"`
}

// FakeBackend is an httptest server speaking the jobs backend wire protocol.
// Tests script its status sequence and log stream, then point a real client
// at Server.URL.
type FakeBackend struct {
	Server *httptest.Server

	mu sync.Mutex

	owner string
	jobID string

	submits      []SubmitRecord
	submitErrors int // number of 500s to return before accepting

	statusSeq []StatusStep
	statusIdx int
	pollFails int // number of 500s to return before each next success
	failsLeft int

	chunks       []LogLine
	perConn      int  // chunks delivered per connection before closing; 0 = all
	ignoreSince  bool // simulate a tail-only backend (forces gaps on reconnect)
	streamOpens  int
	cancelCalls  int
	statusAfterC string // stage reported after a cancel call, if set
}

// StatusStep is one scripted status response.
type StatusStep struct {
	Stage    string
	ExitCode *int
	Message  string
	Error    string
}

// NewFakeBackend starts a fake backend for one job owned by owner.
func NewFakeBackend(tb testing.TB, owner, jobID string) *FakeBackend {
	fb := &FakeBackend{
		owner:     owner,
		jobID:     jobID,
		statusSeq: []StatusStep{{Stage: "PENDING"}},
	}

	r := chi.NewRouter()
	r.Get("/api/whoami-v2", fb.handleWhoami)
	r.Post("/api/jobs/{owner}", fb.handleSubmit)
	r.Get("/api/jobs/{owner}", fb.handleList)
	r.Get("/api/jobs/{owner}/{id}", fb.handleStatus)
	r.Post("/api/jobs/{owner}/{id}/cancel", fb.handleCancel)
	r.Get("/api/jobs/{owner}/{id}/logs-stream", fb.handleLogs)
	r.Post("/api/scripts", fb.handleCreateRepo)
	r.Put("/api/scripts/{ns}/{name}/upload/{file}", fb.handleUpload)

	fb.Server = httptest.NewServer(r)
	tb.Cleanup(fb.Server.Close)
	return fb
}

// SetStatusSequence scripts the status responses; each poll advances one
// step, and the last step repeats forever.
func (fb *FakeBackend) SetStatusSequence(steps ...StatusStep) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.statusSeq = steps
	fb.statusIdx = 0
}

// FailPolls makes every status poll return n consecutive 500s before the
// scripted response.
func (fb *FakeBackend) FailPolls(n int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.pollFails = n
	fb.failsLeft = n
}

// FailSubmits makes the next n submit calls return 500.
func (fb *FakeBackend) FailSubmits(n int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.submitErrors = n
}

// SetChunks scripts the full log output of the job.
func (fb *FakeBackend) SetChunks(chunks ...LogLine) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.chunks = chunks
}

// DisconnectEvery closes each log stream connection after n chunks,
// forcing the reader to reconnect.
func (fb *FakeBackend) DisconnectEvery(n int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.perConn = n
}

// TailOnly makes the backend ignore the since parameter, replaying nothing:
// each reconnect resumes from wherever the script happens to be, which forces
// the reader to detect gaps.
func (fb *FakeBackend) TailOnly() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.ignoreSince = true
}

// Submits returns captured submit payloads.
func (fb *FakeBackend) Submits() []SubmitRecord {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]SubmitRecord(nil), fb.submits...)
}

// CancelCalls returns how many cancel requests arrived.
func (fb *FakeBackend) CancelCalls() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.cancelCalls
}

// StreamOpens returns how many log stream connections were opened.
func (fb *FakeBackend) StreamOpens() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.streamOpens
}

// CancelMovesTo makes subsequent status polls report the given stage once a
// cancel request has been received.
func (fb *FakeBackend) CancelMovesTo(stage string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.statusAfterC = stage
}

func (fb *FakeBackend) handleWhoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"name": fb.owner})
}

func (fb *FakeBackend) handleSubmit(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.submitErrors > 0 {
		fb.submitErrors--
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}

	var rec SubmitRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, `{"error":"bad json"}`, http.StatusBadRequest)
		return
	}
	rec.RequestID = r.Header.Get("X-Request-Id")
	fb.submits = append(fb.submits, rec)

	writeJSON(w, map[string]any{
		"metadata": map[string]any{"job_id": fb.jobID, "owner": fb.owner},
		"status":   map[string]any{"stage": "PENDING"},
	})
}

func (fb *FakeBackend) handleList(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	step := fb.currentStepLocked()
	fb.mu.Unlock()

	writeJSON(w, map[string]any{
		"jobs": []any{fb.envelope(step)},
	})
}

func (fb *FakeBackend) handleStatus(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if chi.URLParam(r, "id") != fb.jobID {
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
		return
	}
	if fb.failsLeft > 0 {
		fb.failsLeft--
		http.Error(w, `{"error":"temporarily unavailable"}`, http.StatusInternalServerError)
		return
	}
	fb.failsLeft = fb.pollFails

	step := fb.currentStepLocked()
	if fb.statusIdx < len(fb.statusSeq)-1 {
		fb.statusIdx++
	}
	writeJSON(w, fb.envelope(step))
}

func (fb *FakeBackend) currentStepLocked() StatusStep {
	if fb.statusAfterC != "" && fb.cancelCalls > 0 {
		return StatusStep{Stage: fb.statusAfterC}
	}
	if len(fb.statusSeq) == 0 {
		return StatusStep{Stage: "PENDING"}
	}
	idx := fb.statusIdx
	if idx >= len(fb.statusSeq) {
		idx = len(fb.statusSeq) - 1
	}
	return fb.statusSeq[idx]
}

func (fb *FakeBackend) envelope(step StatusStep) map[string]any {
	status := map[string]any{"stage": step.Stage}
	if step.ExitCode != nil {
		status["exitCode"] = *step.ExitCode
	}
	if step.Message != "" {
		status["message"] = step.Message
	}
	if step.Error != "" {
		status["error"] = step.Error
	}
	return map[string]any{
		"metadata": map[string]any{"job_id": fb.jobID, "owner": fb.owner},
		"status":   status,
	}
}

func (fb *FakeBackend) handleCancel(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.cancelCalls++
	writeJSON(w, map[string]string{"status": "cancelling"})
}

func (fb *FakeBackend) handleLogs(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	if fb.ignoreSince {
		// A tail-only sink: replay is unsupported, and one chunk scrolls past
		// during each reconnect window.
		since = 0
		if fb.streamOpens > 0 {
			idx := fb.streamOpens*fb.perConnOrAll() + 1
			switch {
			case idx < len(fb.chunks):
				since = fb.chunks[idx].Seq
			case len(fb.chunks) > 0:
				since = fb.chunks[len(fb.chunks)-1].Seq + 1
			}
		}
	}
	perConn := fb.perConnOrAll()
	chunks := append([]LogLine(nil), fb.chunks...)
	fb.streamOpens++
	fb.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)

	sent := 0
	for _, c := range chunks {
		if c.Seq < since {
			continue
		}
		if sent >= perConn {
			// Drop the connection mid-stream.
			return
		}
		payload, _ := json.Marshal(map[string]any{
			"seq":    c.Seq,
			"data":   c.Data,
			"stream": c.Stream,
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		if flusher != nil {
			flusher.Flush()
		}
		sent++
	}
}

func (fb *FakeBackend) perConnOrAll() int {
	if fb.perConn > 0 {
		return fb.perConn
	}
	return len(fb.chunks) + 1
}

func (fb *FakeBackend) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "created"})
}

func (fb *FakeBackend) handleUpload(w http.ResponseWriter, r *http.Request) {
	url := fmt.Sprintf("%s/scripts/%s/%s/resolve/%s",
		fb.Server.URL, chi.URLParam(r, "ns"), chi.URLParam(r, "name"), chi.URLParam(r, "file"))
	writeJSON(w, map[string]string{"url": url})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
