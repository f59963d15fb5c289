package recovery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"telmlog/internal/config"
)

const feedJSON = `{"results":[
	{"status":"FOUND","type":"RS41-SGP","sonde_number":"S1234567","start_time":"2024-03-01 11:00:00","qrg":"403.000",
	 "log_info":{"finder":"VK3ABC","log_added":"2024-03-01 15:30:00","comment":"In a tree","found_coordinates":{"latitude":"-37.81","longitude":"144.96"}}},
	{"status":"NEED ATTENTION","type":"M10","sonde_number":"","start_time":"2024-03-01 11:00:00","qrg":404.5,
	 "log_info":{"finder":"VK3DEF","log_added":"2024-03-02 08:00:00","comment":"","found_coordinates":{"latitude":-37.5,"longitude":145.1}}},
	{"status":"LOST","type":"RS41","sonde_number":"S0000001","start_time":"2024-03-01 11:00:00","qrg":"403.0",
	 "log_info":{"finder":"VK3ABC","log_added":"2024-03-01 15:30:00","comment":"","found_coordinates":{"latitude":"1","longitude":"1"}}},
	{"status":"FOUND","type":"RS41","sonde_number":"S0000002","start_time":"2024-03-01 11:00:00","qrg":"403.0",
	 "log_info":{"finder":null,"log_added":"2024-03-01 15:30:00","comment":"","found_coordinates":{"latitude":"1","longitude":"1"}}},
	{"status":"FOUND","type":"RS41","sonde_number":"S0000003","start_time":"2024-03-01 11:00:00","qrg":"403.0",
	 "log_info":{"finder":"VK3ABC","log_added":"2024-03-01 15:30:00","comment":"","found_coordinates":{"latitude":"0","longitude":"0"}}}
]}`

type fakeSondeHub struct {
	mu        sync.Mutex
	existing  map[string][]Recovery
	sightings map[string]Sighting
	puts      []Recovery
	feedQuery string
}

func (f *fakeSondeHub) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.URL.Path == "/feed":
			f.feedQuery = r.URL.RawQuery
			_, _ = io.WriteString(w, feedJSON)
		case r.URL.Path == "/recovered" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(f.existing[r.URL.Query().Get("serial")])
		case r.URL.Path == "/recovered" && r.Method == http.MethodPut:
			var rec Recovery
			if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.puts = append(f.puts, rec)
			_, _ = io.WriteString(w, `"ok"`)
		case r.URL.Path == "/sondes":
			if r.URL.Query().Get("distance") != "1000" || r.URL.Query().Get("last") != "259200" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(f.sightings)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(srv *httptest.Server) *Client {
	return NewClient(config.RecoveryConfig{
		FeedURL:    srv.URL + "/feed",
		FeedToken:  "token",
		FeedPeriod: 2,
		APIURL:     srv.URL,
		Timeout:    5 * time.Second,
	}, nil)
}

func TestReconcilerUploadsNewRecoveries(t *testing.T) {
	hub := &fakeSondeHub{
		existing: map[string][]Recovery{},
		sightings: map[string]Sighting{
			"M10-far":   {Datetime: "2024-03-01T15:00:00.000000Z", Type: "M10", Frequency: "404.5"},
			"M10-near":  {Datetime: "2024-03-01T11:30:00.000000Z", Type: "M10", Frequency: "404.52"},
			"M10-freq":  {Datetime: "2024-03-01T11:10:00.000000Z", Type: "M10", Frequency: "405.5"},
			"RS41-type": {Datetime: "2024-03-01T11:10:00.000000Z", Type: "RS41", Frequency: "404.5"},
		},
	}
	srv := hub.server(t)
	rec := NewReconciler(testClient(srv), "[via Radiosondy.info]", false, nil)
	summary, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary[OutcomeUploaded] != 2 || summary[OutcomeSkipped] != 3 {
		t.Fatalf("summary: %v", summary)
	}
	if hub.feedQuery != "period=2&token=token" {
		t.Fatalf("feed query: %s", hub.feedQuery)
	}
	if len(hub.puts) != 2 {
		t.Fatalf("puts: %+v", hub.puts)
	}
	first := hub.puts[0]
	if first.Serial != "S1234567" || !first.Recovered || first.RecoveredBy != "VK3ABC" {
		t.Fatalf("first: %+v", first)
	}
	if first.Datetime != "2024-03-01T15:30:00" || first.Lat != -37.81 || first.Lon != 144.96 {
		t.Fatalf("first: %+v", first)
	}
	if first.Description != "In a tree [via Radiosondy.info]" {
		t.Fatalf("description: %q", first.Description)
	}
	second := hub.puts[1]
	if second.Serial != "M10-near" || second.Recovered {
		t.Fatalf("second: %+v", second)
	}
	if second.Description != "[via Radiosondy.info]" {
		t.Fatalf("empty comment should be trimmed: %q", second.Description)
	}
}

func TestReconcilerRespectsExistingReports(t *testing.T) {
	hub := &fakeSondeHub{
		existing: map[string][]Recovery{
			"S1234567": {{Serial: "S1234567", Recovered: false}},
		},
		sightings: map[string]Sighting{},
	}
	srv := hub.server(t)
	summary, err := NewReconciler(testClient(srv), "[via Radiosondy.info]", false, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(hub.puts) != 1 || hub.puts[0].Serial != "S1234567" {
		t.Fatalf("a found report should replace a not-recovered one: %+v", hub.puts)
	}
	if summary[OutcomeSerialNotFound] != 1 {
		t.Fatalf("summary: %v", summary)
	}
}

func TestReconcilerDryRun(t *testing.T) {
	hub := &fakeSondeHub{existing: map[string][]Recovery{}, sightings: map[string]Sighting{}}
	srv := hub.server(t)
	summary, err := NewReconciler(testClient(srv), "[via Radiosondy.info]", true, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(hub.puts) != 0 || summary[OutcomeDryRun] != 1 {
		t.Fatalf("dry run uploaded: %+v %v", hub.puts, summary)
	}
}

func TestReconcilerFeedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if _, err := NewReconciler(testClient(srv), "", false, nil).Run(context.Background()); err == nil {
		t.Fatalf("expected feed error")
	}
}

func TestShouldUpload(t *testing.T) {
	if !ShouldUpload(nil, false) {
		t.Fatalf("no reports yet")
	}
	if ShouldUpload([]Recovery{{Recovered: true}}, true) {
		t.Fatalf("already recovered")
	}
	if ShouldUpload([]Recovery{{Recovered: false}}, false) {
		t.Fatalf("not recovered twice")
	}
	if !ShouldUpload([]Recovery{{Recovered: false}}, true) {
		t.Fatalf("recovered supersedes not recovered")
	}
}

func TestMatchSerialWindow(t *testing.T) {
	entry := FeedEntry{Type: "DFM-09", StartTime: "2024-03-01 11:00:00", Frequency: "402.1"}
	sightings := map[string]Sighting{
		"before": {Datetime: "2024-03-01T10:59:00.000Z", Type: "DFM", Frequency: "402.1"},
		"late":   {Datetime: "2024-03-01T14:00:00.000Z", Type: "DFM", Frequency: "402.1"},
	}
	serial, err := MatchSerial(entry, sightings)
	if err != nil || serial != "" {
		t.Fatalf("nothing should match: %q %v", serial, err)
	}
	sightings["inside"] = Sighting{Datetime: "2024-03-01T13:59:59.000Z", Type: "DFM", Frequency: "402.13"}
	serial, err = MatchSerial(entry, sightings)
	if err != nil || serial != "inside" {
		t.Fatalf("got %q %v", serial, err)
	}
}

func TestLooseString(t *testing.T) {
	var c Coordinates
	if err := json.Unmarshal([]byte(`{"latitude":-37.5,"longitude":null}`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Latitude != "-37.5" || c.Longitude != "" {
		t.Fatalf("coords: %+v", c)
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-01-15T12:00:00Z", " 2024-01-15 12:00:00 ", "2024-01-15T12:00:00"} {
		got, err := parseTimestamp(in, nil)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%q: got %v", in, got)
		}
	}
	got, err := parseTimestamp("2024-01-15T12:00:00.123456Z", time.UTC)
	if err != nil || got.Nanosecond() != 123456000 {
		t.Fatalf("fractional seconds: %v %v", got, err)
	}
	for _, in := range []string{"", "yesterday"} {
		if _, err := parseTimestamp(in, time.UTC); err == nil {
			t.Fatalf("%q should not parse", in)
		}
	}
}
