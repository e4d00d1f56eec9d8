package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avansa/shadowmem/internal/ingest"
	"github.com/avansa/shadowmem/internal/injector"
	"github.com/avansa/shadowmem/internal/lifecycle"
	"github.com/avansa/shadowmem/internal/retrieval"
	"github.com/avansa/shadowmem/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB of JSON is plenty for a single record

// AppDeps holds dependencies for the management HTTP API.
type AppDeps struct {
	Store     *storage.Store
	Retriever Searcher
	Writer    RecordWriter
	Lifecycle *lifecycle.Manager
	Injector  *injector.Injector
	Token     string
}

// NewAppHandler builds the chi router for the management API. Everything
// except /health sits behind bearer auth.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	sessions := &mcpSessions{}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/search", handleSearch(deps))
		r.Post("/records", handleCreateRecord(deps))
		r.Get("/records/{id}", handleGetRecord(deps))
		r.Patch("/records/{id}", handleUpdateRecord(deps))
		r.Delete("/records/{id}", handleDeleteRecord(deps))
		r.Post("/records/{id}/restore", handleRestoreRecord(deps))
		r.Get("/context-rows", handleListContextRows(deps))
		r.Put("/context-rows/{key}", handleSetContextRow(deps))
		r.Delete("/context-rows/{key}", handleRemoveContextRow(deps))
		r.Post("/session-context", handleSessionContext(deps, sessions))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query parameter q is required")
			return
		}
		// Zero means "no explicit limit"; the retriever applies its
		// configured default.
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			if n > 50 {
				n = 50
			}
			limit = n
		}

		results, err := deps.Retriever.Search(r.Context(), query, r.URL.Query().Get("category"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		if results == nil {
			results = []retrieval.Result{}
		}
		writeJSON(w, results)
	}
}

type createRecordRequest struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
}

func handleCreateRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req createRecordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		id, err := deps.Writer.Create(r.Context(), req.Title, req.Content, req.Category, req.Tags)
		if errors.Is(err, storage.ErrInvalid) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "create failed: %v", err)
			return
		}
		writeJSON(w, map[string]int64{"id": id})
	}
}

func handleGetRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		rec, err := deps.Store.GetRecord(r.Context(), id, true)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "record %d not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "get failed: %v", err)
			return
		}
		writeJSON(w, recordJSON(rec))
	}
}

type updateRecordRequest struct {
	Title    *string  `json:"title"`
	Content  *string  `json:"content"`
	Category *string  `json:"category"`
	Tags     []string `json:"tags"`
}

func handleUpdateRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req updateRecordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err := deps.Writer.Update(r.Context(), id, ingest.UpdateFields{
			Title:    req.Title,
			Content:  req.Content,
			Category: req.Category,
			Tags:     req.Tags,
		})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "record %d not found", id)
		case errors.Is(err, storage.ErrSoftDeleted):
			httpError(w, http.StatusConflict, "conflict_error", "record %d is deleted; restore it first", id)
		case errors.Is(err, storage.ErrInvalid):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "update failed: %v", err)
		default:
			writeJSON(w, map[string]string{"status": "updated"})
		}
	}
}

func handleDeleteRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := deps.Lifecycle.Delete(r.Context(), id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "delete failed: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleRestoreRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		err := deps.Lifecycle.Undelete(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "record %d not found; it may already be purged", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "restore failed: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "restored"})
	}
}

func handleListContextRows(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := deps.Store.ListContextRows(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing context rows failed: %v", err)
			return
		}
		out := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			out = append(out, map[string]any{
				"key":      row.Key,
				"content":  row.Content,
				"priority": row.Priority,
				"always":   row.Always,
			})
		}
		writeJSON(w, out)
	}
}

type setContextRowRequest struct {
	Content  string `json:"content"`
	Priority int    `json:"priority"`
	Always   bool   `json:"always"`
}

func handleSetContextRow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req setContextRowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		row := storage.ContextRow{
			Key:      chi.URLParam(r, "key"),
			Content:  req.Content,
			Priority: req.Priority,
			Always:   req.Always,
		}
		if err := deps.Store.SetContextRow(r.Context(), row); err != nil {
			if errors.Is(err, storage.ErrInvalid) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "setting context row failed: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "set"})
	}
}

func handleRemoveContextRow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		err := deps.Store.RemoveContextRow(r.Context(), key)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "context row %q not found", key)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "removing context row failed: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "removed"})
	}
}

type sessionContextRequest struct {
	Model   string `json:"model"`
	Session string `json:"session"`
}

func handleSessionContext(deps AppDeps, sessions *mcpSessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req sessionContextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Model == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
			return
		}
		if req.Session == "" {
			req.Session = "default"
		}

		sess := sessions.get(req.Session)

		out, err := deps.Injector.Inject(r.Context(), req.Model, sess)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "context injection failed: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"content":   out.Content,
			"refreshed": out.Refreshed,
		})
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.GetStats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "stats failed: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"active_records":  st.ActiveRecords,
			"deleted_records": st.DeletedRecords,
			"with_embedding":  st.WithEmbedding,
			"by_category":     st.ByCategory,
		})
	}
}

// recordJSON shapes a record for API output. Embeddings are internal derived
// state and never leave the store.
func recordJSON(rec storage.Record) map[string]any {
	out := map[string]any{
		"id":         rec.ID,
		"title":      rec.Title,
		"content":    rec.Content,
		"category":   rec.Category,
		"tags":       rec.Tags,
		"created_at": rec.CreatedAt.Format(time.RFC3339),
		"updated_at": rec.UpdatedAt.Format(time.RFC3339),
	}
	if rec.LastAccessedAt != nil {
		out["last_accessed_at"] = rec.LastAccessedAt.Format(time.RFC3339)
	}
	return out
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
