package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"aide/internal/config"
	"aide/internal/events"
	"aide/internal/prompt"
	"aide/internal/store"
)

// Fragment statuses and types.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"

	TypeExplicit = "explicit"
	TypeInferred = "inferred"
)

// TextGenerator produces completions for inference and compression.
// Implemented by the LLM manager.
type TextGenerator interface {
	GenerateText(ctx context.Context, promptText string, maxTokens int) (string, error)
}

// Fragment is one learned personality fact.
type Fragment struct {
	ID         int64          `json:"id"`
	FragmentID string         `json:"fragment_id"`
	Content    string         `json:"content"`
	Type       string         `json:"fragment_type"`
	Category   string         `json:"category"`
	Confidence float64        `json:"confidence"`
	Status     string         `json:"status"`
	Source     string         `json:"source"`
	CreatedAt  string         `json:"created_at"`
	ApprovedAt string         `json:"approved_at,omitempty"`
	Metadata   map[string]any `json:"metadata"`
}

// AuditEntry records one action taken on a fragment.
type AuditEntry struct {
	ID         int64   `json:"id"`
	FragmentID string  `json:"fragment_id"`
	Action     string  `json:"action"`
	OldContent string  `json:"old_content,omitempty"`
	NewContent string  `json:"new_content,omitempty"`
	OldStatus  string  `json:"old_status,omitempty"`
	NewStatus  string  `json:"new_status,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Timestamp  string  `json:"timestamp"`
}

// Personality manages learned facts about the user: explicit statements,
// LLM-inferred candidates with an approval workflow, a full audit trail and
// the compressed block injected into system prompts.
type Personality struct {
	cfg       config.PersonalityConfig
	store     *store.Store
	generator TextGenerator
	bus       *events.Bus
	log       *zap.Logger

	// Block cache. Concurrent rebuilds collapse into one via singleflight.
	cacheMu    sync.Mutex
	blockCache string
	cacheDirty bool
	rebuild    singleflight.Group
}

// NewPersonality creates the personality manager. generator may be nil;
// inference is then disabled and compression falls back to a bullet list.
func NewPersonality(cfg config.PersonalityConfig, st *store.Store, generator TextGenerator, bus *events.Bus, log *zap.Logger) *Personality {
	return &Personality{
		cfg:        cfg,
		store:      st,
		generator:  generator,
		bus:        bus,
		log:        log.Named("memory.personality"),
		cacheDirty: true,
	}
}

// StoreExplicit stores a user-stated fact as immediately approved with
// confidence 1.0. Explicit facts skip the approval queue.
func (p *Personality) StoreExplicit(ctx context.Context, content, category, source string) (Fragment, error) {
	if source == "" {
		source = "user_input"
	}

	frag, err := p.createFragment(ctx, content, TypeExplicit, category, 1.0, StatusApproved, source, nil)
	if err != nil {
		return Fragment{}, err
	}

	p.writeAudit(ctx, auditRecord{
		FragmentID: frag.FragmentID,
		Action:     "explicit_stored",
		NewContent: content,
		NewStatus:  StatusApproved,
		Confidence: 1.0,
		Reason:     "User explicitly stated this fact",
	})

	p.InvalidateCache()
	p.broadcast("explicit_stored", frag.FragmentID, content)
	p.log.Info("stored explicit personality fragment", zap.String("fragment_id", frag.FragmentID))
	return frag, nil
}

// InferFromConversation extracts candidate facts from a conversation via the
// LLM. Candidates below 0.5 confidence are discarded; the rest are stored as
// pending unless the auto-approve policy admits them.
func (p *Personality) InferFromConversation(ctx context.Context, conversation, source string) []Fragment {
	if !p.cfg.InferentialLearningEnabled || p.generator == nil {
		p.log.Debug("inferential learning disabled, skipping")
		return nil
	}
	if source == "" {
		source = "conversation_extraction"
	}

	known := p.Fragments(ctx, StatusApproved, "", 50)
	knownContents := make([]string, len(known))
	for i, f := range known {
		knownContents[i] = f.Content
	}

	raw, err := p.generator.GenerateText(ctx, prompt.PersonalityInference(conversation, knownContents), 512)
	if err != nil {
		p.log.Warn("personality inference failed", zap.Error(err))
		return nil
	}

	candidates := parseInferenceResponse(raw, p.log)
	if len(candidates) == 0 {
		p.log.Debug("no personality candidates extracted")
		return nil
	}

	var created []Fragment
	for _, c := range candidates {
		content := strings.TrimSpace(c.Content)
		if content == "" || c.Confidence < 0.5 {
			continue
		}
		category := c.Category
		if category == "" {
			category = "preference"
		}

		status := p.initialStatus(c.Confidence)
		frag, err := p.createFragment(ctx, content, TypeInferred, category, c.Confidence, status, source,
			map[string]any{"inferred_at": time.Now().Format(time.RFC3339)})
		if err != nil {
			p.log.Warn("failed to store inferred fragment", zap.Error(err))
			continue
		}

		p.writeAudit(ctx, auditRecord{
			FragmentID: frag.FragmentID,
			Action:     "inferred",
			NewContent: content,
			NewStatus:  status,
			Confidence: c.Confidence,
			Reason:     fmt.Sprintf("LLM inference (confidence=%.2f)", c.Confidence),
		})

		if status == StatusApproved {
			p.InvalidateCache()
			p.log.Info("auto-approved inferred fragment",
				zap.String("fragment_id", frag.FragmentID),
				zap.Float64("confidence", c.Confidence))
		} else {
			p.log.Info("inferred fragment pending approval",
				zap.String("fragment_id", frag.FragmentID),
				zap.Float64("confidence", c.Confidence))
		}
		created = append(created, frag)
	}
	return created
}

func (p *Personality) initialStatus(confidence float64) string {
	if p.cfg.AutoApproveEnabled &&
		!p.cfg.InferentialLearningRequiresApproval &&
		confidence >= p.cfg.AutoApproveThreshold {
		return StatusApproved
	}
	return StatusPending
}

// Approve marks a pending fragment approved.
func (p *Personality) Approve(ctx context.Context, fragmentID, reason string) bool {
	return p.setStatus(ctx, fragmentID, StatusApproved, "approved", reason, "User approved")
}

// Reject marks a pending fragment rejected. Rejected fragments never appear
// in the block, so the cache stays valid.
func (p *Personality) Reject(ctx context.Context, fragmentID, reason string) bool {
	frag, ok := p.fragmentByID(ctx, fragmentID)
	if !ok {
		p.log.Warn("fragment not found for rejection", zap.String("fragment_id", fragmentID))
		return false
	}
	if frag.Status == StatusRejected {
		return false
	}

	n, err := p.store.Update(ctx, "personality_fragments", map[string]any{
		"status":     StatusRejected,
		"updated_at": time.Now().Format(time.RFC3339),
	}, "fragment_id = ?", fragmentID)
	if err != nil || n == 0 {
		return false
	}

	p.writeAudit(ctx, auditRecord{
		FragmentID: fragmentID,
		Action:     "rejected",
		OldContent: frag.Content,
		NewContent: frag.Content,
		OldStatus:  frag.Status,
		NewStatus:  StatusRejected,
		Confidence: frag.Confidence,
		Reason:     orDefault(reason, "User rejected"),
	})
	p.broadcast("rejected", fragmentID, frag.Content)
	return true
}

// EditAndApprove rewrites a fragment's content and approves it in one step.
func (p *Personality) EditAndApprove(ctx context.Context, fragmentID, newContent, reason string) bool {
	frag, ok := p.fragmentByID(ctx, fragmentID)
	if !ok {
		p.log.Warn("fragment not found for edit", zap.String("fragment_id", fragmentID))
		return false
	}

	now := time.Now().Format(time.RFC3339)
	n, err := p.store.Update(ctx, "personality_fragments", map[string]any{
		"content":     newContent,
		"status":      StatusApproved,
		"updated_at":  now,
		"approved_at": now,
	}, "fragment_id = ?", fragmentID)
	if err != nil || n == 0 {
		return false
	}

	p.writeAudit(ctx, auditRecord{
		FragmentID: fragmentID,
		Action:     "edited_and_approved",
		OldContent: frag.Content,
		NewContent: newContent,
		OldStatus:  frag.Status,
		NewStatus:  StatusApproved,
		Confidence: frag.Confidence,
		Reason:     orDefault(reason, "User edited and approved"),
	})
	p.InvalidateCache()
	p.broadcast("approved", fragmentID, newContent)
	return true
}

// DeleteFragment permanently removes a fragment.
func (p *Personality) DeleteFragment(ctx context.Context, fragmentID string) bool {
	frag, ok := p.fragmentByID(ctx, fragmentID)
	if !ok {
		return false
	}

	n, err := p.store.Delete(ctx, "personality_fragments", "fragment_id = ?", fragmentID)
	if err != nil || n == 0 {
		return false
	}

	p.writeAudit(ctx, auditRecord{
		FragmentID: fragmentID,
		Action:     "deleted",
		OldContent: frag.Content,
		OldStatus:  frag.Status,
		Reason:     "User deleted fragment",
	})
	p.InvalidateCache()
	p.log.Info("deleted personality fragment", zap.String("fragment_id", fragmentID))
	return true
}

// Fragments returns fragments filtered by status and/or type, newest first.
func (p *Personality) Fragments(ctx context.Context, status, fragmentType string, limit int) []Fragment {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT id, fragment_id, content, fragment_type, category, confidence, status, source, created_at, approved_at, metadata FROM personality_fragments"
	var conds []string
	var args []any
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if fragmentType != "" {
		conds = append(conds, "fragment_type = ?")
		args = append(args, fragmentType)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := p.store.FetchAll(ctx, query, args...)
	if err != nil {
		p.log.Warn("fragment query failed", zap.Error(err))
		return nil
	}
	defer rows.Close()

	var out []Fragment
	for rows.Next() {
		if frag, err := scanFragment(rows); err == nil {
			out = append(out, frag)
		}
	}
	return out
}

// Pending returns fragments awaiting approval.
func (p *Personality) Pending(ctx context.Context) []Fragment {
	return p.Fragments(ctx, StatusPending, "", 100)
}

// AuditLog returns audit entries, optionally filtered to one fragment.
func (p *Personality) AuditLog(ctx context.Context, fragmentID string, limit int) []AuditEntry {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT id, fragment_id, action, old_content, new_content, old_status, new_status, confidence, reason, timestamp FROM personality_audit"
	var args []any
	if fragmentID != "" {
		query += " WHERE fragment_id = ?"
		args = append(args, fragmentID)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := p.store.FetchAll(ctx, query, args...)
	if err != nil {
		p.log.Warn("audit query failed", zap.Error(err))
		return nil
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var oldC, newC, oldS, newS, reason sql.NullString
		var conf sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.FragmentID, &e.Action, &oldC, &newC, &oldS, &newS, &conf, &reason, &e.Timestamp); err != nil {
			continue
		}
		e.OldContent, e.NewContent = oldC.String, newC.String
		e.OldStatus, e.NewStatus = oldS.String, newS.String
		e.Confidence = conf.Float64
		e.Reason = reason.String
		out = append(out, e)
	}
	return out
}

// PersonalityStats aggregates fragment counts.
type PersonalityStats struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	ByType       map[string]int `json:"by_type"`
	PendingCount int            `json:"pending_count"`
}

// Stats returns fragment counts by status and type.
func (p *Personality) Stats(ctx context.Context) PersonalityStats {
	st := PersonalityStats{ByStatus: map[string]int{}, ByType: map[string]int{}}

	rows, err := p.store.FetchAll(ctx,
		"SELECT status, fragment_type, COUNT(*) FROM personality_fragments GROUP BY status, fragment_type")
	if err != nil {
		return st
	}
	defer rows.Close()

	for rows.Next() {
		var status, ftype string
		var count int
		if err := rows.Scan(&status, &ftype, &count); err != nil {
			continue
		}
		st.Total += count
		st.ByStatus[status] += count
		st.ByType[ftype] += count
	}
	st.PendingCount = st.ByStatus[StatusPending]
	return st
}

// Block returns the personality block for system prompt injection, rebuilt
// from the database only when the cache is stale. Concurrent rebuilds are
// collapsed into a single database/LLM round trip.
func (p *Personality) Block(ctx context.Context) string {
	p.cacheMu.Lock()
	if !p.cacheDirty && p.blockCache != "" {
		block := p.blockCache
		p.cacheMu.Unlock()
		return block
	}
	p.cacheMu.Unlock()

	block, _, _ := p.rebuild.Do("block", func() (any, error) {
		b := p.buildBlock(ctx)
		p.cacheMu.Lock()
		p.blockCache = b
		p.cacheDirty = false
		p.cacheMu.Unlock()
		return b, nil
	})
	return block.(string)
}

// PreviewBlock rebuilds the block from the database, bypassing the cache.
func (p *Personality) PreviewBlock(ctx context.Context) string {
	p.InvalidateCache()
	return p.Block(ctx)
}

// InvalidateCache marks the block cache stale.
func (p *Personality) InvalidateCache() {
	p.cacheMu.Lock()
	p.cacheDirty = true
	p.blockCache = ""
	p.cacheMu.Unlock()
}

func (p *Personality) buildBlock(ctx context.Context) string {
	approved := p.Fragments(ctx, StatusApproved, "", p.cfg.MaxFragmentsInPrompt*2)
	if len(approved) == 0 {
		return prompt.PersonalityBlock("")
	}

	if len(approved) > p.cfg.CompressThreshold {
		return prompt.PersonalityBlock(p.compressFragments(ctx, approved))
	}

	capped := approved
	if len(capped) > p.cfg.MaxFragmentsInPrompt {
		capped = capped[:p.cfg.MaxFragmentsInPrompt]
	}
	lines := make([]string, len(capped))
	for i, f := range capped {
		lines[i] = "- " + f.Content
	}
	return prompt.PersonalityBlock(strings.Join(lines, "\n"))
}

// compressFragments asks the LLM to fold many fragments into a short
// summary, falling back to a bullet list of the first 20.
func (p *Personality) compressFragments(ctx context.Context, fragments []Fragment) string {
	if p.generator != nil {
		contents := make([]string, len(fragments))
		for i, f := range fragments {
			contents[i] = f.Content
		}
		target := p.cfg.PersonalityTokenBudget
		compressed, err := p.generator.GenerateText(ctx, prompt.PersonalityCompression(contents, target), target)
		if err == nil && strings.TrimSpace(compressed) != "" {
			return strings.TrimSpace(compressed)
		}
		if err != nil {
			p.log.Warn("personality compression failed, falling back to bullet list", zap.Error(err))
		}
	}

	capped := fragments
	if len(capped) > 20 {
		capped = capped[:20]
	}
	lines := make([]string, len(capped))
	for i, f := range capped {
		lines[i] = "- " + f.Content
	}
	return strings.Join(lines, "\n")
}

func (p *Personality) setStatus(ctx context.Context, fragmentID, newStatus, action, reason, defaultReason string) bool {
	frag, ok := p.fragmentByID(ctx, fragmentID)
	if !ok {
		p.log.Warn("fragment not found", zap.String("fragment_id", fragmentID), zap.String("action", action))
		return false
	}
	// Repeating a transition is a no-op: no audit entry, no broadcast.
	if frag.Status == newStatus {
		p.log.Debug("fragment already in status", zap.String("fragment_id", fragmentID), zap.String("status", newStatus))
		return false
	}

	now := time.Now().Format(time.RFC3339)
	set := map[string]any{"status": newStatus, "updated_at": now}
	if newStatus == StatusApproved {
		set["approved_at"] = now
	}
	n, err := p.store.Update(ctx, "personality_fragments", set, "fragment_id = ?", fragmentID)
	if err != nil || n == 0 {
		return false
	}

	p.writeAudit(ctx, auditRecord{
		FragmentID: fragmentID,
		Action:     action,
		OldContent: frag.Content,
		NewContent: frag.Content,
		OldStatus:  frag.Status,
		NewStatus:  newStatus,
		Confidence: frag.Confidence,
		Reason:     orDefault(reason, defaultReason),
	})
	p.InvalidateCache()
	p.log.Info("personality fragment "+action, zap.String("fragment_id", fragmentID))
	p.broadcast(action, fragmentID, frag.Content)
	return true
}

func (p *Personality) fragmentByID(ctx context.Context, fragmentID string) (Fragment, bool) {
	row := p.store.FetchOne(ctx,
		"SELECT id, fragment_id, content, fragment_type, category, confidence, status, source, created_at, approved_at, metadata FROM personality_fragments WHERE fragment_id = ?",
		fragmentID)
	frag, err := scanFragment(row)
	if err != nil {
		return Fragment{}, false
	}
	return frag, true
}

func (p *Personality) createFragment(ctx context.Context, content, ftype, category string, confidence float64, status, source string, metadata map[string]any) (Fragment, error) {
	fragmentID := uuid.NewString()
	meta, _ := json.Marshal(metadata)
	if metadata == nil {
		meta = []byte("{}")
	}

	now := time.Now().Format(time.RFC3339)
	cols := map[string]any{
		"fragment_id":   fragmentID,
		"content":       content,
		"fragment_type": ftype,
		"category":      category,
		"confidence":    confidence,
		"status":        status,
		"source":        source,
		"created_at":    now,
		"updated_at":    now,
		"metadata":      string(meta),
	}
	if status == StatusApproved {
		cols["approved_at"] = now
	}

	id, err := p.store.Insert(ctx, "personality_fragments", cols)
	if err != nil {
		return Fragment{}, fmt.Errorf("failed to store fragment: %w", err)
	}

	return Fragment{
		ID:         id,
		FragmentID: fragmentID,
		Content:    content,
		Type:       ftype,
		Category:   category,
		Confidence: confidence,
		Status:     status,
		Source:     source,
		CreatedAt:  now,
		Metadata:   metadata,
	}, nil
}

type auditRecord struct {
	FragmentID string
	Action     string
	OldContent string
	NewContent string
	OldStatus  string
	NewStatus  string
	Confidence float64
	Reason     string
}

func (p *Personality) writeAudit(ctx context.Context, rec auditRecord) {
	_, err := p.store.Insert(ctx, "personality_audit", map[string]any{
		"fragment_id": rec.FragmentID,
		"action":      rec.Action,
		"old_content": rec.OldContent,
		"new_content": rec.NewContent,
		"old_status":  rec.OldStatus,
		"new_status":  rec.NewStatus,
		"confidence":  rec.Confidence,
		"reason":      rec.Reason,
	})
	if err != nil {
		p.log.Warn("audit write failed", zap.Error(err))
	}
}

func (p *Personality) broadcast(action, fragmentID, content string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.TypePersonalityUpdate, map[string]any{
		"action":      action,
		"fragment_id": fragmentID,
		"content":     content,
	})
}

type inferenceCandidate struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category"`
}

var (
	fenceOpenRe  = regexp.MustCompile("(?m)^```(?:json)?\\s*")
	fenceCloseRe = regexp.MustCompile("(?m)```\\s*$")
	jsonArrayRe  = regexp.MustCompile(`(?s)\[.*\]`)
)

// parseInferenceResponse extracts the JSON array from an LLM response,
// tolerating markdown fences and surrounding prose.
func parseInferenceResponse(raw string, log *zap.Logger) []inferenceCandidate {
	text := strings.TrimSpace(raw)
	text = fenceOpenRe.ReplaceAllString(text, "")
	text = fenceCloseRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	if match := jsonArrayRe.FindString(text); match != "" {
		text = match
	}

	var candidates []inferenceCandidate
	if err := json.Unmarshal([]byte(text), &candidates); err != nil {
		log.Warn("failed to parse personality inference response", zap.Error(err))
		return nil
	}
	return candidates
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFragment(row rowScanner) (Fragment, error) {
	var f Fragment
	var category, source, approvedAt, meta sql.NullString
	if err := row.Scan(&f.ID, &f.FragmentID, &f.Content, &f.Type, &category, &f.Confidence, &f.Status, &source, &f.CreatedAt, &approvedAt, &meta); err != nil {
		return Fragment{}, err
	}
	f.Category = category.String
	f.Source = source.String
	f.ApprovedAt = approvedAt.String
	f.Metadata = parseMetadata(meta.String)
	return f, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
