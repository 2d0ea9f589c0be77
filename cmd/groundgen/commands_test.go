package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/groundgen/groundgen/internal/api"
	"github.com/groundgen/groundgen/internal/compose"
	"github.com/groundgen/groundgen/internal/pipeline"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestClientSendsBearerToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /sources": `[]`,
	})

	var sources []api.SourceResponse
	if err := ts.client().getJSON(ctx, "/sources", &sources); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("got %d requests, want 1", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer test-token" {
		t.Errorf("auth header = %q", ts.requests[0].Auth)
	}
}

func TestClientVerifyRoundTrip(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sources/src-1/verify": `{"source_id":"src-1","hash":"abc123","size":42,"verified":true}`,
	})

	var rec struct {
		Hash     string `json:"hash"`
		Size     int64  `json:"size"`
		Verified bool   `json:"verified"`
	}
	if err := ts.client().postJSON(ctx, "/sources/src-1/verify", nil, &rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Hash != "abc123" || rec.Size != 42 || !rec.Verified {
		t.Errorf("record = %+v", rec)
	}
}

func TestClientIngestRequestShape(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ingest": `[{"source_id":"src-1","chunks":4,"vectors":4}]`,
	})

	req := api.IngestRequest{Items: []pipeline.IngestItem{
		{SourceID: "src-1", Section: "budget"},
	}}
	var results []api.IngestItemResponse
	if err := ts.client().postJSON(ctx, "/ingest", req, &results); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Vectors != 4 {
		t.Errorf("results = %+v", results)
	}

	sent := ts.requests[0].Body
	for _, want := range []string{`"source_id":"src-1"`, `"section":"budget"`} {
		if !strings.Contains(sent, want) {
			t.Errorf("request body missing %s: %s", want, sent)
		}
	}
}

func TestClientGenerateRequestShape(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /generate": `{"generated_at":"2026-01-01T00:00:00Z","results":[],"markdown":""}`,
	})

	sections, err := parseSections([]string{"Budget: annual budget and funding sources"})
	if err != nil {
		t.Fatalf("parseSections error: %v", err)
	}
	var result api.GenerateResponse
	if err := ts.client().postJSON(ctx, "/generate", api.GenerateRequest{Sections: sections}, &result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := ts.requests[0].Body
	for _, want := range []string{`"name":"Budget"`, `"requirements":"annual budget and funding sources"`} {
		if !strings.Contains(sent, want) {
			t.Errorf("request body missing %s: %s", want, sent)
		}
	}
}

func TestParseSections(t *testing.T) {
	sections, err := parseSections([]string{
		"Budget: annual budget and funding sources",
		"Timeline",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []compose.Section{
		{Name: "Budget", Requirements: "annual budget and funding sources"},
		{Name: "Timeline"},
	}
	if len(sections) != len(want) {
		t.Fatalf("got %d sections, want %d", len(sections), len(want))
	}
	for i := range want {
		if sections[i] != want[i] {
			t.Errorf("section %d = %+v, want %+v", i, sections[i], want[i])
		}
	}

	if _, err := parseSections([]string{": missing name"}); err == nil {
		t.Error("expected error for section without a name")
	}
}

func TestClientSurfacesErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	var out any
	err := ts.client().getJSON(ctx, "/nope", &out)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"404", "not_found", "not found"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %v, want it to mention %q", err, want)
		}
	}
}
