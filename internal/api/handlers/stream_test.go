package handlers

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"triform/internal/core"
)

type streamFixture struct {
	store  *core.Store
	hub    *core.ProgressHub
	router *gin.Engine
}

func newStreamFixture(heartbeat time.Duration) *streamFixture {
	store := core.NewStore()
	hub := core.NewProgressHub(core.DefaultChannelCapacity)

	h := NewStreamHandler(store, hub)
	h.heartbeat = heartbeat

	router := gin.New()
	h.RegisterRoutes(router.Group("/api"))
	return &streamFixture{store: store, hub: hub, router: router}
}

// nextEvent scans forward to the next SSE data payload, skipping heartbeat
// frames when asked.
func nextEvent(t *testing.T, sc *bufio.Scanner, skipHeartbeats bool) map[string]interface{} {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload); err != nil {
			t.Fatalf("bad SSE payload %q: %v", line, err)
		}
		if skipHeartbeats {
			if _, ok := payload["heartbeat"]; ok {
				continue
			}
		}
		return payload
	}
	t.Fatal("stream ended before the expected event")
	return nil
}

func TestProgressUnknownJob(t *testing.T) {
	f := newStreamFixture(time.Second)

	req := httptest.NewRequest(http.MethodGet, "/api/progress/nope", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream content type, got %q", ct)
	}
	ev := nextEvent(t, bufio.NewScanner(w.Body), false)
	if ev["error"] != "job not found" {
		t.Fatalf("expected not-found event, got %v", ev)
	}
}

func TestProgressTerminalJobDeliversRecordImmediately(t *testing.T) {
	f := newStreamFixture(time.Hour)

	f.store.Create("job-1", 1, nil)
	f.store.Update("job-1", func(j *core.JobRecord) {
		j.Status = core.JobStatusCompleted
		j.Progress = 100
	})

	req := httptest.NewRequest(http.MethodGet, "/api/progress/job-1", nil)
	w := httptest.NewRecorder()
	// With an hour-long heartbeat this only returns because the terminal
	// record short-circuits the stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.ServeHTTP(w, req)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal job stream did not close")
	}

	sc := bufio.NewScanner(w.Body)
	first := nextEvent(t, sc, false)
	if first["connected"] != true || first["job_id"] != "job-1" {
		t.Fatalf("expected connected ack first, got %v", first)
	}
	second := nextEvent(t, sc, false)
	if second["status"] != string(core.JobStatusCompleted) {
		t.Fatalf("expected full terminal record, got %v", second)
	}
	if second["progress"].(float64) != 100 {
		t.Fatalf("expected progress 100, got %v", second["progress"])
	}
}

func TestProgressStreamsLiveEventsThenTerminal(t *testing.T) {
	f := newStreamFixture(20 * time.Millisecond)

	f.store.Create("job-1", 1, nil)
	f.hub.Open("job-1")

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/progress/job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	first := nextEvent(t, sc, true)
	if first["connected"] != true {
		t.Fatalf("expected connected ack, got %v", first)
	}

	f.hub.Publish("job-1", core.NewProgressEvent("Starting image preprocessing", nil, nil))
	ev := nextEvent(t, sc, true)
	if ev["message"] != "Starting image preprocessing" {
		t.Fatalf("expected live progress event, got %v", ev)
	}
	if _, ok := ev["timestamp"]; !ok {
		t.Fatalf("progress event missing timestamp: %v", ev)
	}

	step, total := 12, 30
	f.hub.Publish("job-1", core.NewProgressEvent("Rendering view 12", &step, &total))
	ev = nextEvent(t, sc, true)
	if ev["step"].(float64) != 12 || ev["total_steps"].(float64) != 30 {
		t.Fatalf("expected step counters, got %v", ev)
	}

	f.store.Update("job-1", func(j *core.JobRecord) {
		j.Status = core.JobStatusCompleted
		j.Progress = 100
	})
	f.hub.Finish("job-1")

	final := nextEvent(t, sc, true)
	if final["status"] != string(core.JobStatusCompleted) {
		t.Fatalf("expected terminal record, got %v", final)
	}

	// The stream closes after the terminal record.
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "data: ") {
			t.Fatalf("unexpected frame after terminal record: %q", sc.Text())
		}
	}
}

func TestProgressHeartbeatsWhileIdle(t *testing.T) {
	f := newStreamFixture(10 * time.Millisecond)

	f.store.Create("job-1", 1, nil)
	f.hub.Open("job-1")

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/progress/job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	nextEvent(t, sc, false) // connected ack

	var beats int
	for beats < 2 {
		ev := nextEvent(t, sc, false)
		if ev["heartbeat"] == true {
			beats++
		}
	}
}

func TestProgressJobDeletedMidStream(t *testing.T) {
	f := newStreamFixture(10 * time.Millisecond)

	f.store.Create("job-1", 1, nil)
	f.hub.Open("job-1")

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/progress/job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	nextEvent(t, sc, true) // connected ack

	f.store.Delete("job-1")
	f.hub.Remove("job-1")

	for {
		ev := nextEvent(t, sc, true)
		if ev["error"] == "job not found" {
			return
		}
	}
}
