package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"aecd/internal/pipeline"
	"aecd/internal/store"
	"aecd/internal/viz"
)

type fakeStats struct {
	stats pipeline.Stats
}

func (f fakeStats) Running() bool         { return f.stats.Running }
func (f fakeStats) Stats() pipeline.Stats { return f.stats }

type fakeLister struct {
	recs      []store.Recording
	err       error
	lastLimit int
}

func (f *fakeLister) Recordings(_ context.Context, limit int) ([]store.Recording, error) {
	f.lastLimit = limit
	return f.recs, f.err
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndStats(t *testing.T) {
	stats := pipeline.Stats{
		Running:      true,
		Mode:         "cancel",
		Variant:      "nlms",
		Captured:     12,
		Outputs:      11,
		ERLE:         21.5,
		Degradations: map[string]uint64{"reference_stall": 2},
	}
	api := New(Options{Stats: fakeStats{stats}, Hub: viz.NewHub(0, nil)})
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	var health healthResponse
	if code := getJSON(t, ts.URL+"/health", &health); code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", code)
	}
	if health.Status != "ok" || !health.Running || health.VizClients != 0 {
		t.Fatalf("unexpected health payload: %#v", health)
	}

	var got pipeline.Stats
	if code := getJSON(t, ts.URL+"/api/stats", &got); code != http.StatusOK {
		t.Fatalf("expected 200 from /api/stats, got %d", code)
	}
	if got.Captured != 12 || got.Outputs != 11 || got.ERLE != 21.5 || got.Variant != "nlms" {
		t.Fatalf("unexpected stats payload: %#v", got)
	}
	if got.Degradations["reference_stall"] != 2 {
		t.Fatalf("degradations = %v", got.Degradations)
	}
}

func TestRecordings(t *testing.T) {
	lister := &fakeLister{recs: []store.Recording{{
		ID:        1,
		Path:      "recordings/a.ogg",
		StartedAt: time.UnixMilli(1_700_000_000_000).UTC(),
		Duration:  5 * time.Second,
		SizeBytes: 2048,
	}}}
	api := New(Options{Recordings: lister})
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	var resp recordingsResponse
	if code := getJSON(t, ts.URL+"/api/recordings", &resp); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(resp.Recordings) != 1 || resp.Recordings[0].Path != "recordings/a.ogg" {
		t.Fatalf("unexpected recordings: %#v", resp)
	}
	if lister.lastLimit != defaultRecordingLimit {
		t.Errorf("limit = %d, want default %d", lister.lastLimit, defaultRecordingLimit)
	}

	getJSON(t, ts.URL+"/api/recordings?limit=100000", &resp)
	if lister.lastLimit != maxRecordingLimit {
		t.Errorf("limit = %d, want cap %d", lister.lastLimit, maxRecordingLimit)
	}

	if code := getJSON(t, ts.URL+"/api/recordings?limit=abc", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d, want 400", code)
	}
}

func TestRecordingsEmptyAndError(t *testing.T) {
	lister := &fakeLister{}
	api := New(Options{Recordings: lister})
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/recordings")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"recordings":[]`) {
		t.Errorf("empty index body = %s", body)
	}

	lister.err = errors.New("disk gone")
	if code := getJSON(t, ts.URL+"/api/recordings", nil); code != http.StatusInternalServerError {
		t.Errorf("got %d, want 500", code)
	}
}

func TestOptionalRoutesDisabled(t *testing.T) {
	api := New(Options{})
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	for _, path := range []string{"/api/stats", "/api/recordings", "/ws"} {
		if code := getJSON(t, ts.URL+path, nil); code != http.StatusNotFound {
			t.Errorf("%s: got %d, want 404", path, code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "aecd_frames_total 3\n")
	})
	api := New(Options{MetricsHandler: handler})
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "aecd_frames_total") {
		t.Errorf("metrics body = %q", body)
	}
}

func TestWebSocketRoute(t *testing.T) {
	hub := viz.NewHub(4, nil)
	api := New(Options{Hub: hub})
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("hub never registered the client")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var health healthResponse
	getJSON(t, ts.URL+"/health", &health)
	if health.VizClients != 1 {
		t.Errorf("viz_clients = %d, want 1", health.VizClients)
	}
}
