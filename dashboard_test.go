package picopad

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDashboard_Auth(t *testing.T) {
	d := NewDashboard(DashboardConfig{User: "admin", Pass: "s3cret"}, DashboardOptions{Mode: "client"})
	ts := httptest.NewServer(d.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}

	for _, creds := range [][2]string{{"", ""}, {"admin", "wrong"}, {"root", "s3cret"}} {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/stats", nil)
		if creds[0] != "" {
			req.SetBasicAuth(creds[0], creds[1])
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%v: status %d, want 401", creds, resp.StatusCode)
		}
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/stats", nil)
	req.SetBasicAuth("admin", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized: %d", resp.StatusCode)
	}
}

func TestDashboard_ClientStats(t *testing.T) {
	pm := NewPromMetrics("picopad")
	h := configured(t, MachineOptions{})
	h.m.Observe("GET")
	h.m.Phase()

	d := NewDashboard(DashboardConfig{}, DashboardOptions{
		Mode:     "client",
		Version:  "test",
		Machine:  h.m,
		Recorder: h.rec,
		Prom:     pm,
	})
	ts := httptest.NewServer(d.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats struct {
		Mode    string `json:"mode"`
		Padding struct {
			Status  Status  `json:"status"`
			Metrics Metrics `json:"metrics"`
		} `json:"padding"`
	}
	err = json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Mode != "client" || stats.Padding.Status.Phase != PhaseBurst || stats.Padding.Metrics.RealCount != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	resp, err = http.Get(ts.URL + "/api/transitions")
	if err != nil {
		t.Fatal(err)
	}
	var recs []TransitionRecord
	err = json.NewDecoder(resp.Body).Decode(&recs)
	resp.Body.Close()
	if err != nil || len(recs) != 1 || recs[0].To != PhaseBurst {
		t.Fatalf("transitions: %+v %v", recs, err)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, name := range []string{"picopad_real_total", "picopad_phase", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("/metrics missing %s", name)
		}
	}
}

func TestDashboard_SinkStats(t *testing.T) {
	cfg, err := ParseConfig([]byte("mode: server\n"))
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(cfg, nil, nil)
	srv.Stats().HTTPDummies.Add(4)

	d := NewDashboard(DashboardConfig{}, DashboardOptions{Mode: "server", Sink: srv})
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	var stats statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Sink == nil || stats.Sink.HTTPDummies != 4 || stats.Padding != nil {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
