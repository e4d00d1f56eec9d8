package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/avansa/shadowmem/internal/ingest"
	"github.com/avansa/shadowmem/internal/injector"
	"github.com/avansa/shadowmem/internal/lifecycle"
	"github.com/avansa/shadowmem/internal/storage"
)

const testToken = "test-token"

func newTestServer(t *testing.T) (*httptest.Server, *storage.Store, *mockSearcher) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	searcher := &mockSearcher{}
	handler := NewAppHandler(AppDeps{
		Store:     store,
		Retriever: searcher,
		Writer:    ingest.NewWriter(store, false),
		Lifecycle: lifecycle.NewManager(store),
		Injector:  injector.New(store, injector.Config{Mode: injector.ModeAlways}),
		Token:     testToken,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, store, searcher
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestBearerAuthRejects(t *testing.T) {
	srv, _, _ := newTestServer(t)

	cases := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong token", "Bearer wrong"},
		{"wrong scheme", "Basic " + testToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/stats", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
			var body struct {
				Error struct {
					Type string `json:"type"`
				} `json:"error"`
			}
			decodeBody(t, resp, &body)
			if body.Error.Type != "authentication_error" {
				t.Errorf("error type = %q", body.Error.Type)
			}
		})
	}
}

func TestRecordCRUDOverHTTP(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/records", map[string]any{
		"title":    "ops runbook",
		"content":  "rotate the pager weekly",
		"category": "ops",
		"tags":     []string{"oncall"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, resp, &created)
	if created.ID == 0 {
		t.Fatal("create returned no id")
	}
	recURL := fmt.Sprintf("%s/records/%d", srv.URL, created.ID)

	resp = doJSON(t, http.MethodGet, recURL, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var rec map[string]any
	decodeBody(t, resp, &rec)
	if rec["content"] != "rotate the pager weekly" || rec["category"] != "ops" {
		t.Errorf("record = %v", rec)
	}

	newTitle := "ops runbook v2"
	resp = doJSON(t, http.MethodPatch, recURL, map[string]any{"title": newTitle})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, recURL, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, recURL, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, recURL+"/restore", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, recURL, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get after restore status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &rec)
	if rec["title"] != newTitle {
		t.Errorf("title = %v after restore, want %q", rec["title"], newTitle)
	}
}

func TestUpdateDeletedRecordConflicts(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	id, err := store.CreateRecord(ctx, "", "content", "", "[]")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if err := store.SoftDelete(ctx, id); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	resp := doJSON(t, http.MethodPatch, fmt.Sprintf("%s/records/%d", srv.URL, id),
		map[string]any{"content": "edited"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCreateRecordRejectsBlankContent(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/records", map[string]any{"content": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPathIDValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, bad := range []string{"abc", "-1", "0"} {
		resp := doJSON(t, http.MethodGet, srv.URL+"/records/"+bad, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET /records/%s status = %d, want 400", bad, resp.StatusCode)
		}
	}
}

func TestSearchEndpoint(t *testing.T) {
	srv, _, searcher := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/search?q=deploy&limit=3&category=ops", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var results []json.RawMessage
	decodeBody(t, resp, &results)
	if results == nil {
		t.Error("results should decode as an empty array, not null")
	}
	if searcher.lastQuery != "deploy" || searcher.lastCategory != "ops" || searcher.lastLimit != 3 {
		t.Errorf("search called with q=%q category=%q limit=%d",
			searcher.lastQuery, searcher.lastCategory, searcher.lastLimit)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/search?q=deploy", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("omitted limit status = %d", resp.StatusCode)
	}
	if searcher.lastLimit != 0 {
		t.Errorf("omitted limit passed as %d, want 0 so the retriever default applies", searcher.lastLimit)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/search", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing q status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/search?q=x&limit=0", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", resp.StatusCode)
	}
}

func TestContextRowEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPut, srv.URL+"/context-rows/rules", map[string]any{
		"content":  "never force-push",
		"priority": 2,
		"always":   true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/context-rows", nil)
	var rows []map[string]any
	decodeBody(t, resp, &rows)
	if len(rows) != 1 || rows[0]["key"] != "rules" || rows[0]["always"] != true {
		t.Fatalf("rows = %v", rows)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/context-rows/rules", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodDelete, srv.URL+"/context-rows/rules", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestSessionContextEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)

	err := store.SetContextRow(context.Background(), storage.ContextRow{
		Key: "identity", Content: "you are the release bot",
	})
	if err != nil {
		t.Fatalf("SetContextRow: %v", err)
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/session-context", map[string]any{
		"model":   "claude-opus",
		"session": t.Name(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Content   string `json:"content"`
		Refreshed bool   `json:"refreshed"`
	}
	decodeBody(t, resp, &out)
	if out.Content == "" {
		t.Error("no content injected")
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/session-context", map[string]any{"session": "s"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing model status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionStateIsPerHandler(t *testing.T) {
	// Two independently built handlers must each see the same session id
	// as new. Shared state across handlers would suppress the second one's
	// first-turn injection.
	newFirstRunServer := func(content string) *httptest.Server {
		t.Helper()
		store, err := storage.Open(":memory:")
		if err != nil {
			t.Fatalf("opening store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		if err := store.SetContextRow(context.Background(), storage.ContextRow{
			Key: "identity", Content: content,
		}); err != nil {
			t.Fatalf("SetContextRow: %v", err)
		}
		srv := httptest.NewServer(NewAppHandler(AppDeps{
			Store:     store,
			Retriever: &mockSearcher{},
			Writer:    ingest.NewWriter(store, false),
			Lifecycle: lifecycle.NewManager(store),
			Injector:  injector.New(store, injector.Config{Mode: injector.ModeFirstRun}),
			Token:     testToken,
		}))
		t.Cleanup(srv.Close)
		return srv
	}

	servers := []*httptest.Server{
		newFirstRunServer("first instance identity"),
		newFirstRunServer("second instance identity"),
	}
	for i, srv := range servers {
		resp := doJSON(t, http.MethodPost, srv.URL+"/session-context", map[string]any{
			"model":   "claude-opus",
			"session": "shared-id",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("server %d status = %d", i, resp.StatusCode)
		}
		var out struct {
			Content string `json:"content"`
		}
		decodeBody(t, resp, &out)
		if out.Content == "" {
			t.Errorf("server %d suppressed its first-turn injection", i)
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	if _, err := store.CreateRecord(ctx, "", "a", "notes", "[]"); err != nil {
		t.Fatal(err)
	}
	id, err := store.CreateRecord(ctx, "", "b", "", "[]")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SoftDelete(ctx, id); err != nil {
		t.Fatal(err)
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st struct {
		Active     int            `json:"active_records"`
		Deleted    int            `json:"deleted_records"`
		ByCategory map[string]int `json:"by_category"`
	}
	decodeBody(t, resp, &st)
	if st.Active != 1 || st.Deleted != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.ByCategory["notes"] != 1 {
		t.Errorf("by_category = %v", st.ByCategory)
	}
}
