package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aide/internal/store"
)

// Minimum cosine similarity for an embedding match to count.
const minSimilarity = 0.30

// Embedder produces query embeddings for semantic search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder is implemented by embedders that can vectorize several texts
// in one call. Learning storage uses it to avoid per-item round trips.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Memory is one long-term memory row.
type Memory struct {
	ID           int64          `json:"id"`
	MemoryID     string         `json:"memory_id"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata"`
	AccessCount  int            `json:"access_count"`
	CreatedAt    string         `json:"created_at"`
	LastAccessed string         `json:"last_accessed,omitempty"`
	Relevance    float64        `json:"relevance"`
}

// LongTerm is persistent, searchable memory. Semantic search ranks stored
// embeddings by cosine similarity in-process; when no embedding is
// available it degrades to keyword LIKE matching.
type LongTerm struct {
	store    *store.Store
	embedder Embedder
	log      *zap.Logger
}

// NewLongTerm creates the long-term store. embedder may be nil; search then
// always uses the keyword fallback.
func NewLongTerm(st *store.Store, embedder Embedder, log *zap.Logger) *LongTerm {
	return &LongTerm{store: st, embedder: embedder, log: log.Named("memory.long")}
}

// Add stores a new memory and returns its generated memory_id.
func (l *LongTerm) Add(ctx context.Context, content string, metadata map[string]any, embedding []float32) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", errors.New("memory content cannot be empty")
	}

	memoryID := uuid.NewString()
	meta, _ := json.Marshal(metadata)
	if metadata == nil {
		meta = []byte("{}")
	}

	var emb any
	if len(embedding) > 0 {
		raw, err := json.Marshal(embedding)
		if err != nil {
			return "", err
		}
		emb = string(raw)
	}

	_, err := l.store.Insert(ctx, "memory_long_term", map[string]any{
		"memory_id":  memoryID,
		"content":    content,
		"metadata":   string(meta),
		"embedding":  emb,
		"created_at": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store memory: %w", err)
	}

	l.log.Info("stored long-term memory", zap.String("memory_id", memoryID))
	return memoryID, nil
}

// Search finds the k most relevant memories for a query. A provided
// embedding is used directly; otherwise one is generated when an embedder
// is configured. Results bump the access count.
func (l *LongTerm) Search(ctx context.Context, query string, embedding []float32, k int, metadataFilter map[string]any) []Memory {
	if k <= 0 {
		k = 5
	}

	if embedding == nil && l.embedder != nil {
		vec, err := l.embedder.Embed(ctx, query)
		if err != nil {
			l.log.Debug("query embedding unavailable", zap.Error(err))
		} else {
			embedding = vec
		}
	}

	var results []Memory
	if embedding != nil {
		// Over-fetch so the metadata filter does not starve results.
		results = l.searchByEmbedding(ctx, embedding, k*3, metadataFilter)
		if len(results) > k {
			results = results[:k]
		}
	}

	if len(results) == 0 {
		l.log.Debug("falling back to keyword search")
		results = l.searchByKeywords(ctx, query, k, metadataFilter)
	}

	for _, m := range results {
		l.bumpAccessCount(ctx, m.ID)
	}
	return results
}

func (l *LongTerm) searchByEmbedding(ctx context.Context, query []float32, k int, metadataFilter map[string]any) []Memory {
	rows, err := l.store.FetchAll(ctx, `
		SELECT id, memory_id, content, metadata, access_count, created_at, last_accessed, embedding
		FROM memory_long_term
		WHERE embedding IS NOT NULL
		ORDER BY created_at DESC`)
	if err != nil {
		l.log.Warn("embedding search query failed", zap.Error(err))
		return nil
	}
	defer rows.Close()

	qNorm := vectorNorm(query)
	if qNorm == 0 {
		return nil
	}

	var scored []Memory
	for rows.Next() {
		var m Memory
		var meta, emb sql.NullString
		var lastAccessed sql.NullString
		if err := rows.Scan(&m.ID, &m.MemoryID, &m.Content, &meta, &m.AccessCount, &m.CreatedAt, &lastAccessed, &emb); err != nil {
			continue
		}
		m.LastAccessed = lastAccessed.String

		var stored []float32
		if err := json.Unmarshal([]byte(emb.String), &stored); err != nil || len(stored) == 0 {
			continue
		}
		if len(stored) != len(query) {
			continue
		}

		sNorm := vectorNorm(stored)
		if sNorm == 0 {
			continue
		}

		sim := dotProduct(query, stored) / (qNorm * sNorm)
		sim = math.Max(0, math.Min(1, sim))
		if sim < minSimilarity {
			continue
		}

		m.Metadata = parseMetadata(meta.String)
		if !matchesFilter(m.Metadata, metadataFilter) {
			continue
		}

		m.Relevance = math.Round(sim*10000) / 10000
		scored = append(scored, m)
	}

	// Highest similarity first.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Relevance > scored[j].Relevance
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

func (l *LongTerm) searchByKeywords(ctx context.Context, query string, k int, metadataFilter map[string]any) []Memory {
	keywords := extractKeywords(query)

	var (
		rows *sql.Rows
		err  error
	)
	if len(keywords) > 0 {
		conditions := make([]string, len(keywords))
		args := make([]any, 0, len(keywords)+1)
		for i, kw := range keywords {
			conditions[i] = "LOWER(content) LIKE ?"
			args = append(args, "%"+kw+"%")
		}
		args = append(args, k*2)
		rows, err = l.store.FetchAll(ctx, fmt.Sprintf(`
			SELECT id, memory_id, content, metadata, access_count, created_at, last_accessed
			FROM memory_long_term
			WHERE %s
			ORDER BY created_at DESC
			LIMIT ?`, strings.Join(conditions, " OR ")), args...)
	} else {
		rows, err = l.store.FetchAll(ctx, `
			SELECT id, memory_id, content, metadata, access_count, created_at, last_accessed
			FROM memory_long_term
			WHERE LOWER(content) LIKE ?
			ORDER BY created_at DESC
			LIMIT ?`, "%"+strings.ToLower(query)+"%", k*2)
	}
	if err != nil {
		l.log.Warn("keyword search failed", zap.Error(err))
		return nil
	}
	defer rows.Close()

	var results []Memory
	for rows.Next() {
		var m Memory
		var meta, lastAccessed sql.NullString
		if err := rows.Scan(&m.ID, &m.MemoryID, &m.Content, &meta, &m.AccessCount, &m.CreatedAt, &lastAccessed); err != nil {
			continue
		}
		m.LastAccessed = lastAccessed.String
		m.Metadata = parseMetadata(meta.String)
		if !matchesFilter(m.Metadata, metadataFilter) {
			continue
		}
		// Neutral score for keyword matches.
		m.Relevance = 0.5
		results = append(results, m)
		if len(results) == k {
			break
		}
	}
	return results
}

// Recent returns the newest memories, relevance fixed at 1.0.
func (l *LongTerm) Recent(ctx context.Context, limit int) []Memory {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.store.FetchAll(ctx, `
		SELECT id, memory_id, content, metadata, access_count, created_at, last_accessed
		FROM memory_long_term
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		l.log.Warn("recent memories query failed", zap.Error(err))
		return nil
	}
	defer rows.Close()

	var results []Memory
	for rows.Next() {
		var m Memory
		var meta, lastAccessed sql.NullString
		if err := rows.Scan(&m.ID, &m.MemoryID, &m.Content, &meta, &m.AccessCount, &m.CreatedAt, &lastAccessed); err != nil {
			continue
		}
		m.LastAccessed = lastAccessed.String
		m.Metadata = parseMetadata(meta.String)
		m.Relevance = 1.0
		results = append(results, m)
	}
	return results
}

// Update rewrites a memory's content and/or metadata.
func (l *LongTerm) Update(ctx context.Context, id int64, content string, metadata map[string]any) bool {
	set := make(map[string]any)
	if content != "" {
		set["content"] = content
	}
	if metadata != nil {
		meta, _ := json.Marshal(metadata)
		set["metadata"] = string(meta)
	}
	if len(set) == 0 {
		l.log.Warn("no updates specified for memory")
		return false
	}
	set["last_accessed"] = time.Now().Format(time.RFC3339)

	n, err := l.store.Update(ctx, "memory_long_term", set, "id = ?", id)
	if err != nil {
		l.log.Warn("memory update failed", zap.Int64("id", id), zap.Error(err))
		return false
	}
	return n > 0
}

// Delete removes a memory by row id.
func (l *LongTerm) Delete(ctx context.Context, id int64) bool {
	n, err := l.store.Delete(ctx, "memory_long_term", "id = ?", id)
	if err != nil {
		l.log.Warn("memory delete failed", zap.Int64("id", id), zap.Error(err))
		return false
	}
	return n > 0
}

// LongTermStats summarizes the long-term store.
type LongTermStats struct {
	TotalMemories int      `json:"total_memories"`
	MostAccessed  []Memory `json:"most_accessed"`
	Recent        []Memory `json:"recent"`
}

// Stats reports totals plus the most-accessed and newest memories.
func (l *LongTerm) Stats(ctx context.Context) (LongTermStats, error) {
	var st LongTermStats
	if err := l.store.FetchOne(ctx, "SELECT COUNT(*) FROM memory_long_term").Scan(&st.TotalMemories); err != nil {
		return st, err
	}

	rows, err := l.store.FetchAll(ctx, `
		SELECT id, memory_id, content, access_count
		FROM memory_long_term
		ORDER BY access_count DESC
		LIMIT 5`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.MemoryID, &m.Content, &m.AccessCount); err == nil {
			st.MostAccessed = append(st.MostAccessed, m)
		}
	}
	rows.Close()

	st.Recent = l.Recent(ctx, 5)
	return st, nil
}

func (l *LongTerm) bumpAccessCount(ctx context.Context, id int64) {
	_, err := l.store.Execute(ctx, `
		UPDATE memory_long_term
		SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?`, time.Now().Format(time.RFC3339), id)
	if err != nil {
		l.log.Debug("access count update failed", zap.Int64("id", id), zap.Error(err))
	}
}

// Stop words stripped from search queries so "what number did I tell you to
// remember?" reduces to ["number"].
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"a", "an", "the", "of", "in", "on", "at", "to", "for", "with", "by",
		"from", "into", "about", "as", "is", "are", "was", "were", "be",
		"been", "being", "have", "has", "had", "do", "does", "did", "will",
		"would", "could", "should", "may", "might", "shall", "can",
		"i", "me", "my", "we", "us", "our", "you", "your", "he", "she",
		"it", "they", "them", "their",
		"what", "which", "who", "whom", "where", "when", "why", "how",
		"tell", "told", "said", "say", "ask", "asked", "remember", "recall",
		"forget", "know", "knew",
		"that", "this", "these", "those", "and", "or", "but", "not", "no",
		"so", "if", "then", "than", "there", "here", "just", "also",
		"already", "still", "again", "back", "up", "down", "out", "please",
		"let", "make",
	} {
		stopWords[w] = struct{}{}
	}
}

var wordRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

func extractKeywords(query string) []string {
	words := wordRe.FindAllString(strings.ToLower(query), -1)
	seen := make(map[string]struct{})
	var out []string
	for _, w := range words {
		if len(w) <= 1 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func matchesFilter(metadata, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := metadata[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func parseMetadata(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return map[string]any{}
	}
	return meta
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
