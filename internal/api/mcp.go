package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/avansa/shadowmem/internal/ingest"
	"github.com/avansa/shadowmem/internal/injector"
	"github.com/avansa/shadowmem/internal/lifecycle"
	"github.com/avansa/shadowmem/internal/retrieval"
	"github.com/avansa/shadowmem/internal/storage"
)

// Searcher abstracts hybrid search for the tool layer.
type Searcher interface {
	Search(ctx context.Context, query, category string, limit int) ([]retrieval.Result, error)
}

// RecordWriter abstracts the write path for the tool layer.
type RecordWriter interface {
	Create(ctx context.Context, title, content, category string, tags []string) (int64, error)
	Update(ctx context.Context, id int64, fields ingest.UpdateFields) error
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Retriever Searcher
	Writer    RecordWriter
	Lifecycle *lifecycle.Manager
	Injector  *injector.Injector
}

// mcpSessions tracks per-session injection state keyed by MCP session id,
// so TTL and content-hash bookkeeping never leak across sessions.
type mcpSessions struct {
	mu       sync.Mutex
	sessions map[string]*injector.Session
}

func (m *mcpSessions) get(id string) *injector.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string]*injector.Session)
	}
	s, ok := m.sessions[id]
	if !ok {
		s = &injector.Session{}
		m.sessions[id] = s
	}
	return s
}

// NewMCPServer creates an MCP server with all shadowmem tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"shadowmem",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("shadowmem — long-term knowledge store with hybrid recall, reversible deletion, and session context injection."),
		server.WithRecovery(),
	)

	sessions := &mcpSessions{}

	s.AddTool(
		mcp.NewTool("memory_search",
			mcp.WithDescription("Search stored memories by meaning, keywords, and fuzzy matching; returns a ranked list with excerpts."),
			mcp.WithString("query", mcp.Description("Natural-language search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("category", mcp.Description("Restrict results to one category")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_get",
			mcp.WithDescription("Fetch one memory by id. Returns an excerpt unless full is set."),
			mcp.WithNumber("id", mcp.Description("Record id"), mcp.Required()),
			mcp.WithBoolean("full", mcp.Description("Return complete content instead of an excerpt")),
		),
		mcpGet(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_write",
			mcp.WithDescription("Store a new memory for later retrieval."),
			mcp.WithString("content", mcp.Description("The text content to store"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Optional title")),
			mcp.WithString("category", mcp.Description("Category (default \"general\")")),
			mcp.WithArray("tags", mcp.Description("Optional tags")),
		),
		mcpWrite(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_update",
			mcp.WithDescription("Update fields of an existing memory. Only supplied fields change."),
			mcp.WithNumber("id", mcp.Description("Record id"), mcp.Required()),
			mcp.WithString("content", mcp.Description("New content")),
			mcp.WithString("title", mcp.Description("New title")),
			mcp.WithString("category", mcp.Description("New category")),
			mcp.WithArray("tags", mcp.Description("New tags")),
		),
		mcpUpdate(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_delete",
			mcp.WithDescription("Delete a memory. Reversible with memory_undelete during the retention window."),
			mcp.WithNumber("id", mcp.Description("Record id"), mcp.Required()),
		),
		mcpDelete(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_undelete",
			mcp.WithDescription("Restore a previously deleted memory."),
			mcp.WithNumber("id", mcp.Description("Record id"), mcp.Required()),
		),
		mcpUndelete(deps),
	)

	s.AddTool(
		mcp.NewTool("context_set",
			mcp.WithDescription("Create or replace a context row (identity/rule text injected into sessions)."),
			mcp.WithString("key", mcp.Description("Unique row key"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Row content"), mcp.Required()),
			mcp.WithNumber("priority", mcp.Description("Lower = injected first (default 0)")),
			mcp.WithBoolean("always", mcp.Description("Include on every turn, not just the first")),
		),
		mcpContextSet(deps),
	)

	s.AddTool(
		mcp.NewTool("context_remove",
			mcp.WithDescription("Remove a context row by key."),
			mcp.WithString("key", mcp.Description("Row key"), mcp.Required()),
		),
		mcpContextRemove(deps),
	)

	s.AddTool(
		mcp.NewTool("session_context",
			mcp.WithDescription("Pre-turn hook: returns the context block to inject for the given model, honoring budget and refresh policy."),
			mcp.WithString("model", mcp.Description("Resolved model identifier"), mcp.Required()),
			mcp.WithString("session", mcp.Description("Session identifier (defaults to \"default\")")),
		),
		mcpSessionContext(deps, sessions),
	)

	return s
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		// Zero falls through to the retriever's configured default.
		limit := req.GetInt("limit", 0)
		if limit < 0 {
			limit = 0
		}
		if limit > 50 {
			limit = 50
		}
		category := req.GetString("category", "")

		results, err := deps.Retriever.Search(ctx, query, category, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGet(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, ok := requireID(req)
		if !ok {
			return mcpError("id is required"), nil
		}

		rec, err := deps.Store.GetRecord(ctx, id, true)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("memory %d not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("get failed: %v", err)), nil
		}

		out := recordJSON(rec)
		if !req.GetBool("full", false) {
			out["content"] = truncateContent(rec.Content)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal record: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpWrite(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		title := req.GetString("title", "")
		category := req.GetString("category", "")
		tags := req.GetStringSlice("tags", nil)

		id, err := deps.Writer.Create(ctx, title, content, category, tags)
		if errors.Is(err, storage.ErrInvalid) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("write failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf(`{"id":%d}`, id)), nil
	}
}

func mcpUpdate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, ok := requireID(req)
		if !ok {
			return mcpError("id is required"), nil
		}

		// Presence decides what changes. An explicit empty string clears
		// the field, so the arguments map is inspected directly instead
		// of treating "" as "not provided".
		args := req.GetArguments()
		var fields ingest.UpdateFields
		if raw, ok := args["content"]; ok {
			if v, ok := raw.(string); ok {
				fields.Content = &v
			}
		}
		if raw, ok := args["title"]; ok {
			if v, ok := raw.(string); ok {
				fields.Title = &v
			}
		}
		if raw, ok := args["category"]; ok {
			if v, ok := raw.(string); ok {
				fields.Category = &v
			}
		}
		if _, ok := args["tags"]; ok {
			fields.Tags = req.GetStringSlice("tags", []string{})
		}

		err := deps.Writer.Update(ctx, id, fields)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return mcpError(fmt.Sprintf("memory %d not found", id)), nil
		case errors.Is(err, storage.ErrSoftDeleted):
			return mcpError(fmt.Sprintf("memory %d is deleted; call memory_undelete first", id)), nil
		case errors.Is(err, storage.ErrInvalid):
			return mcpError(err.Error()), nil
		case err != nil:
			return mcpError(fmt.Sprintf("update failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Updated memory %d", id)), nil
	}
}

func mcpDelete(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, ok := requireID(req)
		if !ok {
			return mcpError("id is required"), nil
		}
		if err := deps.Lifecycle.Delete(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("delete failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted memory %d (restorable with memory_undelete)", id)), nil
	}
}

func mcpUndelete(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, ok := requireID(req)
		if !ok {
			return mcpError("id is required"), nil
		}
		err := deps.Lifecycle.Undelete(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("memory %d not found; it may already be purged", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("undelete failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Restored memory %d", id)), nil
	}
}

func mcpContextSet(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		row := storage.ContextRow{
			Key:      key,
			Content:  content,
			Priority: req.GetInt("priority", 0),
			Always:   req.GetBool("always", false),
		}
		if err := deps.Store.SetContextRow(ctx, row); err != nil {
			if errors.Is(err, storage.ErrInvalid) {
				return mcpError(err.Error()), nil
			}
			return mcpError(fmt.Sprintf("failed to set context row: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Set context row %q", key)), nil
	}
}

func mcpContextRemove(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		err = deps.Store.RemoveContextRow(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("context row %q not found", key)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to remove context row: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Removed context row %q", key)), nil
	}
}

func mcpSessionContext(deps MCPDeps, sessions *mcpSessions) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		model, err := req.RequireString("model")
		if err != nil {
			return mcpError("model is required"), nil
		}
		sessionID := req.GetString("session", "default")

		out, err := deps.Injector.Inject(ctx, model, sessions.get(sessionID))
		if err != nil {
			return mcpError(fmt.Sprintf("context injection failed: %v", err)), nil
		}
		return mcpText(out.Content), nil
	}
}

// truncateContent bounds memory_get output the same way search excerpts
// are bounded, so a tool call without full=true stays cheap.
const getExcerptRunes = 800

func truncateContent(content string) string {
	if utf8.RuneCountInString(content) <= getExcerptRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:getExcerptRunes])
}

func requireID(req mcp.CallToolRequest) (int64, bool) {
	id := req.GetInt("id", 0)
	if id <= 0 {
		return 0, false
	}
	return int64(id), true
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
