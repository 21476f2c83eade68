// Package memory implements the per-conversation memory store: an
// append-only JSONL log of freeform notes an agent has chosen to remember,
// with a weighted recency/importance/relevance ranking over search. The
// durability shape is adapted from deepnoodle-ai-dive/session/file_store.go:
// append-only writes serialized through a single mutex, tolerant reads that
// skip malformed lines, and a cache invalidated on every successful append.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/logging"
)

// Entry is one remembered note.
type Entry struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	Tags       []string  `json:"tags,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ScoredEntry pairs an Entry with the score it was ranked by.
type ScoredEntry struct {
	Entry
	Score float64 `json:"score"`
}

// Weights controls how the three sub-scores combine into a final rank.
type Weights struct {
	Recency    float64
	Importance float64
	Relevance  float64
}

// DefaultWeights holds the default recency/importance/relevance weights.
var DefaultWeights = Weights{Recency: 0.3, Importance: 0.2, Relevance: 0.5}

const recencyHalfLife = 7 * 24 * time.Hour

// SearchOptions configures Search.
type SearchOptions struct {
	Query      string
	Tags       []string
	SessionID  string
	MaxResults int
	MinScore   float64
	Weights    *Weights
}

// ListOptions configures List.
type ListOptions struct {
	Limit  int
	Offset int
	Tags   []string
}

// Store is an append-only, JSONL-backed memory log rooted at a single file.
type Store struct {
	logger *logging.Logger
	path   string

	// writeMu serializes every mutation so concurrent add() calls never
	// interleave partial lines in the file.
	writeMu sync.Mutex

	// cacheMu guards the lazily-populated read cache, invalidated by any
	// successful append.
	cacheMu sync.RWMutex
	cache   []Entry
	loaded  bool

	idSeq func() string
	now   func() time.Time
}

// Option customizes a Store at construction time, primarily for tests.
type Option func(*Store)

// WithIDFunc overrides entry ID generation.
func WithIDFunc(f func() string) Option {
	return func(s *Store) { s.idSeq = f }
}

// WithClock overrides the store's notion of "now".
func WithClock(f func() time.Time) Option {
	return func(s *Store) { s.now = f }
}

// Open opens (creating if necessary) a memory store backed by path.
func Open(path string, log *logging.Logger, opts ...Option) (*Store, error) {
	if log == nil {
		log = logging.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("memory: creating directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("memory: opening store: %w", err)
	}
	f.Close()

	s := &Store{
		logger: log.WithFields(zap.String("component", "memory")),
		path:   path,
		idSeq:  newEntryID,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Add appends a new entry and returns it, invalidating the read cache.
func (s *Store) Add(content string, importance float64, tags []string, sessionID string) (Entry, error) {
	entry := Entry{
		ID:         s.idSeq(),
		Content:    content,
		Importance: importance,
		Tags:       append([]string(nil), tags...),
		SessionID:  sessionID,
		CreatedAt:  s.now(),
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("memory: opening store for append: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("memory: encoding entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("memory: appending entry: %w", err)
	}

	s.invalidate()
	return entry, nil
}

// Get returns the entry with the given id, if present.
func (s *Store) Get(id string) (Entry, bool, error) {
	entries, err := s.load()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// List returns entries newest-first, optionally filtered by tag and paged.
func (s *Store) List(opts ListOptions) ([]Entry, error) {
	entries, err := s.load()
	if err != nil {
		return nil, err
	}

	filtered := entries
	if len(opts.Tags) > 0 {
		filtered = filterByTags(entries, opts.Tags)
	}

	sorted := append([]Entry(nil), filtered...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(sorted) {
			return []Entry{}, nil
		}
		sorted = sorted[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(sorted) {
		sorted = sorted[:opts.Limit]
	}
	return sorted, nil
}

// Count returns the number of entries matching tags (or all entries if tags
// is empty).
func (s *Store) Count(tags []string) (int, error) {
	entries, err := s.load()
	if err != nil {
		return 0, err
	}
	if len(tags) == 0 {
		return len(entries), nil
	}
	return len(filterByTags(entries, tags)), nil
}

// Search ranks entries by a weighted recency/importance/relevance score.
func (s *Store) Search(opts SearchOptions) ([]ScoredEntry, error) {
	entries, err := s.load()
	if err != nil {
		return nil, err
	}

	weights := DefaultWeights
	if opts.Weights != nil {
		weights = *opts.Weights
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}

	queryTokens := tokenizeQuery(opts.Query)
	now := s.now()

	var scored []ScoredEntry
	for _, e := range entries {
		if opts.SessionID != "" && e.SessionID != "" && e.SessionID != opts.SessionID {
			continue
		}
		if len(opts.Tags) > 0 && !tagsIntersect(e.Tags, opts.Tags) {
			continue
		}

		recency := math.Exp(-float64(now.Sub(e.CreatedAt)) / float64(recencyHalfLife))
		importance := clamp01(e.Importance)
		relevance := relevanceScore(queryTokens, e.Content)

		score := weights.Recency*recency + weights.Importance*importance + weights.Relevance*relevance
		if score < opts.MinScore {
			continue
		}
		scored = append(scored, ScoredEntry{Entry: e, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > maxResults {
		scored = scored[:maxResults]
	}
	return scored, nil
}

// Close releases in-memory resources held by the store. There is no open
// file descriptor to close between calls — Add opens and closes the file
// per write — so this only drops the cache.
func (s *Store) Close() error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache = nil
	s.loaded = false
	return nil
}

func (s *Store) invalidate() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.loaded = false
	s.cache = nil
}

// load returns the lazily-populated cache, reloading it from disk if
// invalidated. Malformed lines are skipped, not fatal, so a torn write from
// a prior crash never blocks the store from starting.
func (s *Store) load() ([]Entry, error) {
	s.cacheMu.RLock()
	if s.loaded {
		defer s.cacheMu.RUnlock()
		return s.cache, nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.loaded {
		return s.cache, nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.cache, s.loaded = nil, true
			return nil, nil
		}
		return nil, fmt.Errorf("memory: opening store: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			s.logger.Warn("skipping malformed memory line", zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("memory: reading store: %w", err)
	}

	s.cache, s.loaded = entries, true
	return entries, nil
}

func filterByTags(entries []Entry, tags []string) []Entry {
	var out []Entry
	for _, e := range entries {
		if tagsIntersect(e.Tags, tags) {
			out = append(out, e)
		}
	}
	return out
}

func tagsIntersect(entryTags, want []string) bool {
	set := make(map[string]struct{}, len(entryTags))
	for _, t := range entryTags {
		set[strings.ToLower(t)] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[strings.ToLower(t)]; ok {
			return true
		}
	}
	return false
}

func tokenizeQuery(query string) []string {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	fields := strings.Fields(strings.ToLower(query))
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func relevanceScore(queryTokens []string, content string) float64 {
	if len(queryTokens) == 0 {
		return 0.5
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, tok := range queryTokens {
		if strings.Contains(lower, tok) {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var idCounter atomic.Uint64

func newEntryID() string {
	n := idCounter.Add(1)
	return fmt.Sprintf("mem-%d-%d", time.Now().UnixNano(), n)
}
