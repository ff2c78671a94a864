package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/foundry/internal/engine"
	"github.com/seantiz/foundry/internal/model"
)

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func startSessions(t *testing.T, ts *httptest.Server, body string) startSessionsResponse {
	t.Helper()
	resp := postJSON(t, ts.URL+"/v1/sessions", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /v1/sessions status = %d, want 202", resp.StatusCode)
	}
	var out startSessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func getSession(ts *httptest.Server, path string) (engine.SessionInfo, int) {
	var info engine.SessionInfo
	resp, err := http.Get(ts.URL + "/v1/sessions/" + path)
	if err != nil {
		return info, 0
	}
	defer resp.Body.Close()
	json.NewDecoder(resp.Body).Decode(&info)
	return info, resp.StatusCode
}

func TestStartSessionsAllDevices(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	out := startSessions(t, ts, `{"suite":"mock"}`)
	if out.RunID != 1 {
		t.Errorf("run_id = %d, want 1", out.RunID)
	}
	want := []string{"1/a", "1/b"}
	if strings.Join(out.Sessions, ",") != strings.Join(want, ",") {
		t.Errorf("sessions = %v, want %v", out.Sessions, want)
	}

	srv.engine.Wait()
	runs, total, err := srv.store.ListRuns(context.Background(), storeFilter("mock"), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	for _, r := range runs {
		if !r.Success || r.RunID != 1 {
			t.Errorf("run %s = %+v, want passed in run 1", r.DeviceUID, r)
		}
	}
}

func TestStartSessionsValidation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing suite", `{"devices":["a"]}`, http.StatusBadRequest},
		{"unknown suite", `{"suite":"nope"}`, http.StatusBadRequest},
		{"unknown device", `{"suite":"mock","devices":["z"]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/sessions", tt.body)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestStartSessionsDeviceBusy(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	startSessions(t, ts, `{"suite":"hold","devices":["a"]}`)

	resp := postJSON(t, ts.URL+"/v1/sessions", `{"suite":"hold","devices":["a"]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	var out startSessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Errors["a"] == "" {
		t.Errorf("errors = %v, want entry for a", out.Errors)
	}
}

func TestPromptResolveAndAbort(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	out := startSessions(t, ts, `{"suite":"hold","devices":["a"]}`)
	path := out.Sessions[0]

	waitFor(t, "prompt", func() bool {
		info, _ := getSession(ts, path)
		return info.State == model.StatePrompt
	})
	info, _ := getSession(ts, path)
	if info.Prompt != "Connect the cable" || info.Device.UID != "a" || info.Steps != 2 {
		t.Errorf("info = %+v", info)
	}

	resp := postJSON(t, ts.URL+"/v1/sessions/"+path+"/resolve", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d, want 200", resp.StatusCode)
	}
	resp = postJSON(t, ts.URL+"/v1/sessions/"+path+"/resolve", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second resolve status = %d, want 409", resp.StatusCode)
	}

	waitFor(t, "fel held", func() bool {
		for _, r := range srv.engine.Locks().List() {
			if r.Name == "fel" && r.Holder == path {
				return true
			}
		}
		return false
	})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/resources", nil))
	var res listResourcesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode resources: %v", err)
	}
	if len(res.Resources) != 1 || res.Resources[0].Holder != path {
		t.Errorf("resources = %+v", res.Resources)
	}

	resp = postJSON(t, ts.URL+"/v1/sessions/"+path+"/abort", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("abort status = %d, want 202", resp.StatusCode)
	}
	srv.engine.Wait()

	runs, _, err := srv.store.ListRuns(context.Background(), storeFilter("hold"), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || !runs[0].Aborted {
		t.Fatalf("runs = %+v, want one aborted", runs)
	}
	if !strings.HasSuffix(runs[0].ResultText, model.AbortedSuffix) {
		t.Errorf("ResultText = %q", runs[0].ResultText)
	}

	if _, code := getSession(ts, path); code != http.StatusNotFound {
		t.Errorf("finished session status = %d, want 404", code)
	}
}

func TestSessionRoutesErrors(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if _, code := getSession(ts, "x/a"); code != http.StatusBadRequest {
		t.Errorf("bad run id status = %d, want 400", code)
	}
	if _, code := getSession(ts, "7/a"); code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", code)
	}
	for _, action := range []string{"resolve", "abort"} {
		resp := postJSON(t, ts.URL+"/v1/sessions/7/a/"+action, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s unknown status = %d, want 404", action, resp.StatusCode)
		}
	}
	resp, err := http.Get(ts.URL + "/v1/sessions/7/a/updates")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("updates unknown status = %d, want 404", resp.StatusCode)
	}
}

func TestListSessions(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	startSessions(t, ts, `{"suite":"hold"}`)

	resp, err := http.Get(ts.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var body listSessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 2 || body.Sessions[0].Device.UID != "a" || body.Sessions[1].Device.UID != "b" {
		t.Errorf("sessions = %+v, want a then b", body.Sessions)
	}
}

// readSSE collects data payloads until the stream ends or a done event
// arrives.
func readSSE(t *testing.T, resp *http.Response) (updates []model.Update, done bool) {
	t.Helper()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: done" {
			return updates, true
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var u model.Update
			if err := json.Unmarshal([]byte(data), &u); err != nil {
				t.Fatalf("decode update %q: %v", data, err)
			}
			updates = append(updates, u)
		}
	}
	return updates, false
}

func TestStreamSessionEndsWithDone(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	out := startSessions(t, ts, `{"suite":"hold","devices":["b"]}`)
	path := out.Sessions[0]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/sessions/"+path+"/updates", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET updates: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	waitFor(t, "prompt", func() bool {
		info, _ := getSession(ts, path)
		return info.State == model.StatePrompt
	})
	r := postJSON(t, ts.URL+"/v1/sessions/"+path+"/resolve", "")
	r.Body.Close()
	waitFor(t, "active", func() bool {
		info, _ := getSession(ts, path)
		return info.State == model.StateActive && info.Step == 1
	})
	r = postJSON(t, ts.URL+"/v1/sessions/"+path+"/abort", "")
	r.Body.Close()

	updates, done := readSSE(t, resp)
	if !done {
		t.Fatal("stream ended without done event")
	}
	if len(updates) == 0 {
		t.Fatal("no updates streamed")
	}
	for _, u := range updates {
		if u.DeviceUID != "b" || u.RunID != out.RunID {
			t.Errorf("update from %d/%s on stream %s", u.RunID, u.DeviceUID, path)
		}
	}
	var sawActive bool
	for _, u := range updates {
		if u.State == model.StateActive && u.Label == "Holding FEL" {
			sawActive = true
		}
	}
	if !sawActive {
		t.Error("no active update for the FEL step")
	}
}

func TestStreamAllReceivesUpdates(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/updates", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/updates: %v", err)
	}
	defer resp.Body.Close()

	startSessions(t, ts, `{"suite":"mock","devices":["a"]}`)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var u model.Update
		if err := json.Unmarshal([]byte(data), &u); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if u.DeviceUID != "a" {
			t.Errorf("update from %q, want a", u.DeviceUID)
		}
		if u.State == model.StatePass {
			return
		}
	}
	t.Fatal("firehose ended before the session passed")
}
