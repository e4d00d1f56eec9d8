package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
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
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
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

func TestMemoryAdd(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /records": `{"id":7}`,
	})

	client := ts.client()
	req := map[string]any{
		"title":    "pooling",
		"content":  "keep pools small",
		"category": "infra",
		"tags":     []string{"db"},
	}
	resp, err := client.post(ctx, "/records", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]int64
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["id"] != 7 {
		t.Errorf("id = %d, want 7", result["id"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["content"] != "keep pools small" {
		t.Errorf("body.content = %v", body["content"])
	}
	if body["category"] != "infra" {
		t.Errorf("body.category = %v", body["category"])
	}
}

func TestSearchQueryEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /search": `[]`,
	})

	client := ts.client()
	q := url.Values{}
	q.Set("q", "deploy & rollback notes")
	q.Set("limit", "5")
	resp, err := client.get(ctx, "/search?"+q.Encode())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	reqPath := ts.requests[0].Path
	if strings.Contains(reqPath, "& rollback") {
		t.Errorf("query not URL-encoded: %q", reqPath)
	}
	if !strings.Contains(reqPath, "limit=5") {
		t.Errorf("limit missing from path: %q", reqPath)
	}
}

func TestSearchResultsDecode(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /search": `[{"id":3,"title":"pooling","category":"infra","excerpt":"keep pools small","score":0.0321,"signals":["keyword","vector"]}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/search?q=pools")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var results []struct {
		ID      int64    `json:"id"`
		Excerpt string   `json:"excerpt"`
		Signals []string `json:"signals"`
	}
	if err := decodeJSON(resp, &results); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ID != 3 || len(results[0].Signals) != 2 {
		t.Errorf("result = %+v", results[0])
	}
}

func TestContextSetEscapesKey(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /context-rows/team rules": `{"status":"set"}`,
	})

	client := ts.client()
	key := "team rules"
	resp, err := client.put(ctx, "/context-rows/"+url.PathEscape(key), map[string]any{
		"content":  "review before merge",
		"priority": 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if strings.Contains(ts.requests[0].Path, " ") {
		t.Errorf("key not escaped in path: %q", ts.requests[0].Path)
	}
}

func TestDecodeJSONSurfacesAPIErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	client := ts.client()
	resp, err := client.get(ctx, "/records/99")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var out map[string]any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestClientUnreachableServer(t *testing.T) {
	client := &apiClient{
		baseURL:    "http://127.0.0.1:1",
		token:      "t",
		httpClient: &http.Client{},
	}

	_, err := client.get(ctx, "/stats")
	if err == nil {
		t.Fatal("expected error for unreachable server")
	}
	if !strings.Contains(err.Error(), "running") {
		t.Errorf("error = %q, want a hint that the server may be down", err.Error())
	}
}

func TestMemoryAddMissingContent(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"memory", "add"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error when neither --content nor --file is given")
	}
}

func TestSplitTags(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a,b", []string{"a", "b"}},
		{" a , b ,", []string{"a", "b"}},
	}
	for _, tc := range cases {
		got := splitTags(tc.in)
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", tc.want) {
			t.Errorf("splitTags(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
