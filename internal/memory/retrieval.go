package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Intents that always trigger retrieval.
var recallIntents = map[string]bool{
	"recall":               true,
	"reference":            true,
	"memory":               true,
	"history":              true,
	"previous":             true,
	"memory_recall":        true,
	"general_conversation": true,
	"question":             true,
	"complex_query":        true,
	"analysis":             true,
	"summarization":        true,
}

// Intents that never trigger retrieval.
var skipRetrievalIntents = map[string]bool{
	"greeting":    true,
	"farewell":    true,
	"help":        true,
	"settings":    true,
	"math":        true,
	"translation": true,
}

var recallPhrases = []string{
	"remember", "recall", "forgot", "remind me",
	"last time", "yesterday", "before", "previously", "earlier", "ago",
	"last week", "last month", "last year",
	"you said", "we discussed", "you told me", "i told you",
	"what did i", "what was", "what were", "what number",
	"what is my", "what are my", "who is my",
	"do you know my", "do you remember", "did i tell you", "did you know",
	"have i told you", "as i mentioned", "like i said",
	"previously mentioned", "from before",
}

var personalPatterns = []string{
	"my name", "my age", "my job", "my work", "my company",
	"my email", "my phone", "my address", "my birthday",
	"my preference", "my favorite", "my colour", "my color",
	"my password", "my key", "my token", "my project",
	"my number", "my code", "my pin",
}

var ambiguousPronouns = map[string]bool{
	"it": true, "that": true, "this": true,
	"they": true, "them": true, "he": true, "she": true,
}

var questionStarters = map[string]bool{
	"what": true, "who": true, "where": true, "when": true, "why": true,
	"how": true, "which": true, "whose": true,
	"is": true, "are": true, "was": true, "were": true,
	"do": true, "does": true, "did": true,
	"have": true, "has": true, "had": true,
	"can": true, "could": true, "would": true, "should": true, "will": true,
}

var learningMarkers = []string{
	"i learned", "i discovered", "i found",
	"the key is", "important:", "note:", "remember:", "key point:",
	"user mentioned", "user prefers", "user likes", "user dislikes",
}

// Retrieval decides when memory lookup is worthwhile and assembles the
// memory context handed to the LLM. Decisions combine the classified
// intent with input patterns: temporal references, possessives, leading
// pronouns and question forms.
type Retrieval struct {
	short    *ShortTerm
	long     *LongTerm
	embedder Embedder
	log      *zap.Logger
}

// RetrievedItem is one short-term entry in a retrieval result.
type RetrievedItem struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Role      string `json:"role"`
	Timestamp string `json:"timestamp"`
}

// RetrievalResult bundles both memory tiers for one lookup.
type RetrievalResult struct {
	ShortTerm []RetrievedItem `json:"short_term"`
	LongTerm  []Memory        `json:"long_term"`
}

// NewRetrieval creates the retrieval engine. embedder may be nil; stored
// learnings then rely on keyword search.
func NewRetrieval(short *ShortTerm, long *LongTerm, embedder Embedder, log *zap.Logger) *Retrieval {
	return &Retrieval{short: short, long: long, embedder: embedder, log: log.Named("memory.retrieval")}
}

// ShouldRetrieve reports whether the input warrants a memory lookup.
func (r *Retrieval) ShouldRetrieve(userInput, intentType string) bool {
	intent := strings.ToLower(intentType)
	if intent != "" {
		if recallIntents[intent] {
			r.log.Debug("retrieving due to recall intent", zap.String("intent", intent))
			return true
		}
		if skipRetrievalIntents[intent] {
			r.log.Debug("skipping retrieval for intent", zap.String("intent", intent))
			return false
		}
	}

	lower := strings.ToLower(userInput)
	for _, phrase := range recallPhrases {
		if strings.Contains(lower, phrase) {
			r.log.Debug("retrieving due to recall phrase", zap.String("phrase", phrase))
			return true
		}
	}
	for _, pattern := range personalPatterns {
		if strings.Contains(lower, pattern) {
			r.log.Debug("retrieving due to personal context pattern", zap.String("pattern", pattern))
			return true
		}
	}

	words := strings.Fields(lower)
	if len(words) > 0 && ambiguousPronouns[words[0]] {
		r.log.Debug("retrieving due to ambiguous pronoun", zap.String("pronoun", words[0]))
		return true
	}

	if strings.Contains(userInput, "?") && len(words) > 0 && questionStarters[words[0]] {
		r.log.Debug("retrieving due to question", zap.String("starter", words[0]))
		return true
	}

	// Very short input is likely a continuation of earlier context.
	if len(strings.Fields(strings.TrimSpace(userInput))) <= 3 {
		r.log.Debug("retrieving due to short input")
		return true
	}

	return false
}

// Relevant gathers the session's short-term buffer and the top-k long-term
// matches for the input.
func (r *Retrieval) Relevant(ctx context.Context, sessionID, userInput string, k int, includeShortTerm bool) RetrievalResult {
	var result RetrievalResult

	if includeShortTerm {
		for _, item := range r.short.All(sessionID) {
			result.ShortTerm = append(result.ShortTerm, RetrievedItem{
				ID:        item.ID,
				Content:   item.Content,
				Role:      item.Role,
				Timestamp: item.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			})
		}
	}

	result.LongTerm = r.long.Search(ctx, userInput, nil, k, nil)

	r.log.Debug("retrieved memories",
		zap.Int("short_term", len(result.ShortTerm)),
		zap.Int("long_term", len(result.LongTerm)))
	return result
}

// ContextForLLM builds the memory section of the system context: the recent
// conversation plus relevant long-term memories when retrieval is warranted.
func (r *Retrieval) ContextForLLM(ctx context.Context, sessionID, userInput, intentType string) string {
	var parts []string

	if recent := r.short.Context(sessionID, 10); recent != "" {
		parts = append(parts, "## Recent Conversation:", recent, "")
	}

	if r.ShouldRetrieve(userInput, intentType) {
		result := r.Relevant(ctx, sessionID, userInput, 5, false)
		if len(result.LongTerm) > 0 {
			parts = append(parts, "## Relevant Memories:")
			for i, m := range result.LongTerm {
				content := m.Content
				if len(content) > 200 {
					content = content[:200]
				}
				parts = append(parts, fmt.Sprintf("%d. %s", i+1, content))
			}
			parts = append(parts, "")
		}
	}

	return strings.Join(parts, "\n")
}

// ExtractLearnings pulls out lines worth remembering using marker phrases.
func (r *Retrieval) ExtractLearnings(conversation string) []string {
	var learnings []string
	for _, line := range strings.Split(conversation, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		for _, marker := range learningMarkers {
			if strings.Contains(lower, marker) {
				learnings = append(learnings, line)
				break
			}
		}
	}
	r.log.Debug("extracted learnings", zap.Int("count", len(learnings)))
	return learnings
}

// StoreLearnings persists extracted learnings in long-term memory and
// returns the IDs of the stored memories.
func (r *Retrieval) StoreLearnings(ctx context.Context, learnings []string, metadata map[string]any) []string {
	texts := make([]string, 0, len(learnings))
	for _, learning := range learnings {
		if strings.TrimSpace(learning) != "" {
			texts = append(texts, learning)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	embeddings := r.embedAll(ctx, texts)

	var stored []string
	for i, learning := range texts {
		id, err := r.long.Add(ctx, learning, metadata, embeddings[i])
		if err != nil {
			r.log.Warn("failed to store learning", zap.Error(err))
			continue
		}
		stored = append(stored, id)
	}
	if len(stored) > 0 {
		r.log.Info("stored learnings in long-term memory", zap.Int("count", len(stored)))
	}
	return stored
}

// embedAll vectorizes texts, in one batch call when the embedder supports
// it. Failures leave nil vectors; those learnings stay keyword-searchable.
func (r *Retrieval) embedAll(ctx context.Context, texts []string) [][]float32 {
	embeddings := make([][]float32, len(texts))
	if r.embedder == nil {
		return embeddings
	}

	if batch, ok := r.embedder.(BatchEmbedder); ok {
		if vecs, err := batch.EmbedBatch(ctx, texts); err == nil && len(vecs) == len(texts) {
			return vecs
		} else if err != nil {
			r.log.Debug("batch embedding failed, falling back to per-item", zap.Error(err))
		}
	}

	for i, text := range texts {
		if vec, err := r.embedder.Embed(ctx, text); err == nil {
			embeddings[i] = vec
		}
	}
	return embeddings
}
