// Package session implements the per-agent-process session manager: an
// LRU-with-TTL cache of live façade sessions, single-flight creation so
// two concurrent callers for the same key never race to build
// two façade sessions, and per-key serialization so turns on one
// conversation never interleave while turns on different conversations run
// concurrently.
//
// The LRU/eviction shape is built on github.com/hashicorp/golang-lru/v2,
// adopted from the dependency surface the wider example pack declares for
// exactly this kind of bounded cache. Single-flight creation uses
// golang.org/x/sync/singleflight, already an indirect dependency of the
// teacher promoted here to a direct one.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tinycrab/tinycrab/internal/llm"
	"github.com/tinycrab/tinycrab/internal/logging"
)

// Session wraps a live façade session with the bookkeeping the manager
// needs: when it was last touched, for LRU eviction and TTL expiry.
type Session struct {
	Key       string
	LLM       llm.Session
	CreatedAt time.Time

	lastAccessedAt atomic.Int64 // unix nanoseconds
}

func (s *Session) touch() {
	s.lastAccessedAt.Store(time.Now().UnixNano())
}

// LastAccessedAt returns when the session was last returned by getOrCreate.
func (s *Session) LastAccessedAt() time.Time {
	return time.Unix(0, s.lastAccessedAt.Load())
}

// Config bounds the manager's cache.
type Config struct {
	MaxSessions     int
	SessionTTL      time.Duration
	CleanupInterval time.Duration // 0 means derive from SessionTTL: max(60s, ttl/6)
}

// Manager is the session manager.
type Manager struct {
	cfg     Config
	factory llm.Factory
	logger  *logging.Logger

	cache *lru.Cache[string, *Session]
	group singleflight.Group

	turnLocksMu sync.Mutex
	turnLocks   map[string]*sync.Mutex

	closeOnce   sync.Once
	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// New creates a Manager backed by factory, with cfg's bounds applied (zero
// values fall back to package defaults).
func New(cfg Config, factory llm.Factory, log *logging.Logger) (*Manager, error) {
	if log == nil {
		log = logging.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 100
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = cfg.SessionTTL / 6
		if cfg.CleanupInterval < 60*time.Second {
			cfg.CleanupInterval = 60 * time.Second
		}
	}

	m := &Manager{
		cfg:         cfg,
		factory:     factory,
		logger:      log.WithFields(zap.String("component", "session-manager")),
		turnLocks:   make(map[string]*sync.Mutex),
		cleanupStop: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	cache, err := lru.NewWithEvict[string, *Session](cfg.MaxSessions, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("session: building cache: %w", err)
	}
	m.cache = cache

	go m.cleanupLoop()
	return m, nil
}

// onEvict fires when the LRU cache drops its least-recently-used entry to
// make room for a new one. The close runs fire-and-forget: the caller that
// triggered the eviction gets its newly installed session back immediately,
// regardless of whether the victim has finished closing.
func (m *Manager) onEvict(key string, sess *Session) {
	m.logger.Info("evicting session", zap.String("key", key))
	go m.closeSession(sess)
}

func (m *Manager) closeSession(sess *Session) {
	// Acquire the key's turn lock first so close waits for any in-flight
	// turn to finish draining before tearing down the façade session.
	lock := m.turnLock(sess.Key)
	lock.Lock()
	defer lock.Unlock()

	if closer, ok := sess.LLM.(llm.Closer); ok {
		if err := closer.Close(); err != nil {
			m.logger.Warn("error closing evicted session", zap.String("key", sess.Key), zap.Error(err))
		}
	}

	m.turnLocksMu.Lock()
	delete(m.turnLocks, sess.Key)
	m.turnLocksMu.Unlock()
}

// GetOrCreateByKey returns the session for key, creating it via the factory
// if absent. Concurrent callers for the same key observe exactly one
// factory invocation.
func (m *Manager) GetOrCreateByKey(ctx context.Context, key string, cfg llm.Config) (*Session, error) {
	if sess, ok := m.cache.Get(key); ok {
		sess.touch()
		return sess, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		if sess, ok := m.cache.Get(key); ok {
			sess.touch()
			return sess, nil
		}
		llmSession, err := m.factory(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("session: creating façade session: %w", err)
		}
		sess := &Session{Key: key, LLM: llmSession, CreatedAt: time.Now()}
		sess.touch()
		m.cache.Add(key, sess)
		m.logger.Info("created session", zap.String("key", key))
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// WithSession resolves the session for key (creating it if necessary) and
// runs fn against it after every previously-queued turn on that same key has
// finished. Turns on different keys run concurrently; turns on the same key
// never interleave, and fn always runs even if a prior turn on the same key
// returned an error.
func (m *Manager) WithSession(ctx context.Context, key string, cfg llm.Config, fn func(*Session) error) error {
	sess, err := m.GetOrCreateByKey(ctx, key, cfg)
	if err != nil {
		return err
	}

	lock := m.turnLock(key)
	lock.Lock()
	defer lock.Unlock()
	return fn(sess)
}

func (m *Manager) turnLock(key string) *sync.Mutex {
	m.turnLocksMu.Lock()
	defer m.turnLocksMu.Unlock()
	lock, ok := m.turnLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.turnLocks[key] = lock
	}
	return lock
}

func (m *Manager) cleanupLoop() {
	defer close(m.cleanupDone)
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-m.cleanupStop:
			return
		}
	}
}

func (m *Manager) evictExpired() {
	deadline := time.Now().Add(-m.cfg.SessionTTL)
	for _, key := range m.cache.Keys() {
		sess, ok := m.cache.Peek(key)
		if !ok {
			continue
		}
		if sess.LastAccessedAt().Before(deadline) {
			m.cache.Remove(key) // triggers onEvict
		}
	}
}

// Close stops the cleanup timer and synchronously closes every remaining
// session.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.cleanupStop)
		<-m.cleanupDone
		for _, key := range m.cache.Keys() {
			if sess, ok := m.cache.Peek(key); ok {
				m.closeSession(sess)
			}
		}
		m.cache.Purge()
	})
	return nil
}

// Len returns the number of live sessions, for diagnostics.
func (m *Manager) Len() int {
	return m.cache.Len()
}

// Keys returns the cache keys of every currently live session, for the
// agent server's /sessions endpoint.
func (m *Manager) Keys() []string {
	return m.cache.Keys()
}
