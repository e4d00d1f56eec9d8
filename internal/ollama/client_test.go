package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func embedServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-embed", 3)
}

func TestEmbed(t *testing.T) {
	c := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Model != "test-embed" || req.Input != "hello" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	})

	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	c := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2}}})
	})

	_, err := c.Embed(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "dimensions") {
		t.Errorf("err = %v, want dimension mismatch", err)
	}
}

func TestEmbedEmptyResponse(t *testing.T) {
	c := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{})
	})

	if _, err := c.Embed(context.Background(), "hello"); err == nil {
		t.Error("Embed accepted a response with no embeddings")
	}
}

func TestEmbedServerError(t *testing.T) {
	c := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})

	_, err := c.Embed(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want status error", err)
	}
}

func TestIsRunning(t *testing.T) {
	c := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning = false against a live server")
	}

	down := New("http://127.0.0.1:1", "test-embed", 3)
	if down.IsRunning(context.Background()) {
		t.Error("IsRunning = true against a dead address")
	}
}

func TestNewTrimsTrailingSlash(t *testing.T) {
	c := New("http://localhost:11434/", "m", 768)
	if c.baseURL != "http://localhost:11434" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
}
