package retrieval

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/avansa/shadowmem/internal/storage"
)

// candidateLimit caps how many candidates each signal contributes. Fetching
// well past the requested count matters: fusion needs overlap between lists,
// and a record at keyword #6 and vector #3 would otherwise be missed.
const candidateLimit = 50

// excerptLength bounds the content excerpt carried on each result so a
// caller can render a citation without a second fetch.
const excerptLength = 800

// Signal identifies one ranking method.
type Signal string

const (
	SignalVector  Signal = "vector"
	SignalKeyword Signal = "keyword"
	SignalFuzzy   Signal = "fuzzy"
)

// Embedder turns query text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// KeywordSearcher is the keyword/full-text signal capability.
type KeywordSearcher interface {
	SearchKeyword(ctx context.Context, query, category string, limit int) ([]storage.Candidate, error)
}

// FuzzySearcher is the trigram/substring signal capability.
type FuzzySearcher interface {
	SearchFuzzy(ctx context.Context, query, category string, limit int) ([]storage.Candidate, error)
}

// VectorSearcher is the semantic similarity signal capability.
type VectorSearcher interface {
	SearchVector(ctx context.Context, vector []float32, category string, limit int) ([]storage.Candidate, error)
}

// RecordFetcher resolves fused candidate ids into full records.
type RecordFetcher interface {
	GetRecords(ctx context.Context, ids []int64) ([]storage.Record, error)
}

// Result is one ranked search hit with enough metadata to render a citation.
type Result struct {
	ID       int64    `json:"id"`
	Title    string   `json:"title,omitempty"`
	Category string   `json:"category"`
	Tags     string   `json:"tags,omitempty"`
	Excerpt  string   `json:"excerpt"`
	AgeDays  float64  `json:"age_days"`
	Score    float64  `json:"score"`
	Signals  []Signal `json:"signals"`
}

// Options tune a Retriever.
type Options struct {
	// RecencyWeight scales the freshness adjustment added after fusion.
	// Zero or negative disables the blend entirely.
	RecencyWeight float64
	// SignalTimeout bounds each signal query. Defaults to 3s.
	SignalTimeout time.Duration
	// Limit is the result count used when a caller passes none. Defaults to 5.
	Limit int
}

// Retriever fans a query out to every signal the backend supports, fuses the
// orderings with RRF, and resolves the winners into renderable results.
//
// The backend is capability-probed: each signal runs only if the backend
// implements the corresponding searcher interface, and fusion operates on
// whatever subset responded in time. A signal that fails or times out is
// dropped for that query, never failing the search.
type Retriever struct {
	backend       any
	embedder      Embedder
	fetcher       RecordFetcher
	recencyWeight float64
	signalTimeout time.Duration
	defaultLimit  int
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a Retriever. backend may implement any subset of
// KeywordSearcher, FuzzySearcher, and VectorSearcher; embedder may be nil,
// which disables the vector signal outright.
func New(backend any, embedder Embedder, fetcher RecordFetcher, opts Options) *Retriever {
	if opts.SignalTimeout <= 0 {
		opts.SignalTimeout = 3 * time.Second
	}
	if opts.Limit <= 0 {
		opts.Limit = 5
	}
	return &Retriever{
		backend:       backend,
		embedder:      embedder,
		fetcher:       fetcher,
		recencyWeight: opts.RecencyWeight,
		signalTimeout: opts.SignalTimeout,
		defaultLimit:  opts.Limit,
		logger:        slog.Default(),
		now:           time.Now,
	}
}

// Search runs the full pipeline: parallel signal fan-out, RRF fusion, recency
// adjustment, truncation to limit. An empty result is not an error.
func (r *Retriever) Search(ctx context.Context, query, category string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = r.defaultLimit
	}

	lists := r.gather(ctx, query, category)
	fused := fuse(lists, rrfK)
	if len(fused) == 0 {
		return nil, nil
	}

	// Resolve every fused candidate: ages feed the recency pass, and a
	// record soft-deleted after the signal queries ran drops out here.
	ids := make([]int64, len(fused))
	for i, f := range fused {
		ids[i] = f.id
	}
	records, err := r.fetcher.GetRecords(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]storage.Record, len(records))
	ages := make(map[int64]time.Duration, len(records))
	now := r.now()
	for _, rec := range records {
		byID[rec.ID] = rec
		ages[rec.ID] = now.Sub(rec.CreatedAt)
	}

	applyRecency(fused, ages, r.recencyWeight)

	results := make([]Result, 0, limit)
	for _, f := range fused {
		rec, ok := byID[f.id]
		if !ok {
			continue
		}
		results = append(results, Result{
			ID:       rec.ID,
			Title:    rec.Title,
			Category: rec.Category,
			Tags:     rec.Tags,
			Excerpt:  excerpt(rec.Content, excerptLength),
			AgeDays:  ages[rec.ID].Hours() / 24,
			Score:    f.score,
			Signals:  f.signals,
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// gather runs every available signal concurrently, each under its own
// timeout. Failures are logged and yield an empty list for that signal.
func (r *Retriever) gather(ctx context.Context, query, category string) []rankedList {
	var keyword, fuzzy, vector []storage.Candidate

	g, gCtx := errgroup.WithContext(ctx)

	if ks, ok := r.backend.(KeywordSearcher); ok {
		g.Go(func() error {
			sigCtx, cancel := context.WithTimeout(gCtx, r.signalTimeout)
			defer cancel()
			out, err := ks.SearchKeyword(sigCtx, query, category, candidateLimit)
			if err != nil {
				r.logger.Warn("keyword signal failed", "error", err)
				return nil
			}
			keyword = out
			return nil
		})
	}

	if fs, ok := r.backend.(FuzzySearcher); ok {
		g.Go(func() error {
			sigCtx, cancel := context.WithTimeout(gCtx, r.signalTimeout)
			defer cancel()
			out, err := fs.SearchFuzzy(sigCtx, query, category, candidateLimit)
			if err != nil {
				r.logger.Warn("fuzzy signal failed", "error", err)
				return nil
			}
			fuzzy = out
			return nil
		})
	}

	if vs, ok := r.backend.(VectorSearcher); ok && r.embedder != nil {
		g.Go(func() error {
			sigCtx, cancel := context.WithTimeout(gCtx, r.signalTimeout)
			defer cancel()
			vec, err := r.embedder.Embed(sigCtx, query)
			if err != nil {
				// Provider down or slow: degrade to the remaining signals.
				r.logger.Warn("embedding unavailable, skipping vector signal", "error", err)
				return nil
			}
			out, err := vs.SearchVector(sigCtx, vec, category, candidateLimit)
			if err != nil {
				r.logger.Warn("vector signal failed", "error", err)
				return nil
			}
			vector = out
			return nil
		})
	}

	// Signal goroutines never return errors; Wait is for synchronization.
	g.Wait()

	var lists []rankedList
	if len(vector) > 0 {
		lists = append(lists, rankedList{signal: SignalVector, candidates: vector})
	}
	if len(keyword) > 0 {
		lists = append(lists, rankedList{signal: SignalKeyword, candidates: keyword})
	}
	if len(fuzzy) > 0 {
		lists = append(lists, rankedList{signal: SignalFuzzy, candidates: fuzzy})
	}
	return lists
}

func excerpt(content string, max int) string {
	if utf8.RuneCountInString(content) <= max {
		return content
	}
	runes := []rune(content)
	return string(runes[:max])
}
