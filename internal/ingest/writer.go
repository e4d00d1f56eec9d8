// Package ingest owns the write path: record creation and update, plus the
// background worker that attaches embeddings.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/avansa/shadowmem/internal/storage"
)

// JobTypeEmbed is the job type the embed worker claims.
const JobTypeEmbed = "embed_record"

// WriteStore is the subset of the store the writer needs.
type WriteStore interface {
	CreateRecord(ctx context.Context, title, content, category, tags string) (int64, error)
	UpdateRecord(ctx context.Context, id int64, upd storage.RecordUpdate) (bool, error)
	EnqueueJob(job storage.Job) error
}

// Writer validates and persists records and queues embedding generation.
// Embedding is fire-and-forget: a queue failure (or a provider failure
// later, in the worker) leaves the record intact without a vector.
type Writer struct {
	store     WriteStore
	autoEmbed bool
	logger    *slog.Logger
}

// NewWriter creates a Writer. When autoEmbed is false no jobs are queued and
// records stay vectorless until a manual re-embed.
func NewWriter(store WriteStore, autoEmbed bool) *Writer {
	return &Writer{store: store, autoEmbed: autoEmbed, logger: slog.Default()}
}

// Create persists a new record and returns its id. Validation failures
// surface; embedding queue failures only log a warning.
func (w *Writer) Create(ctx context.Context, title, content, category string, tags []string) (int64, error) {
	tagsJSON, err := marshalTags(tags)
	if err != nil {
		return 0, err
	}

	id, err := w.store.CreateRecord(ctx, title, content, category, tagsJSON)
	if err != nil {
		return 0, err
	}

	w.queueEmbed(id)
	return id, nil
}

// UpdateFields mirrors storage.RecordUpdate with caller-friendly tags.
type UpdateFields struct {
	Title    *string
	Content  *string
	Category *string
	Tags     []string
}

// Update applies a partial update. When content changed, the stale vector is
// already cleared by the store and a re-embed job is queued.
func (w *Writer) Update(ctx context.Context, id int64, fields UpdateFields) error {
	upd := storage.RecordUpdate{
		Title:    fields.Title,
		Content:  fields.Content,
		Category: fields.Category,
	}
	if fields.Tags != nil {
		tagsJSON, err := marshalTags(fields.Tags)
		if err != nil {
			return err
		}
		upd.Tags = &tagsJSON
	}

	contentChanged, err := w.store.UpdateRecord(ctx, id, upd)
	if err != nil {
		return err
	}
	if contentChanged {
		w.queueEmbed(id)
	}
	return nil
}

func (w *Writer) queueEmbed(id int64) {
	if !w.autoEmbed {
		return
	}
	payload, err := json.Marshal(embedPayload{RecordID: id})
	if err != nil {
		w.logger.Warn("record saved but embed payload failed", "record_id", id, "error", err)
		return
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeEmbed,
		PayloadJSON: string(payload),
	}
	if err := w.store.EnqueueJob(job); err != nil {
		w.logger.Warn("record saved but embed job not queued", "record_id", id, "error", err)
	}
}

type embedPayload struct {
	RecordID int64 `json:"record_id"`
}

func marshalTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("%w: marshaling tags: %v", storage.ErrInvalid, err)
	}
	return string(b), nil
}
