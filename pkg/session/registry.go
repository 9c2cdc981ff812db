package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"meetingengine/pkg/apperr"
	"meetingengine/pkg/logging"
	"meetingengine/pkg/models"
	"meetingengine/pkg/stt"
	"meetingengine/pkg/summarizer"
)

// historyTTL is how long a terminal session's result is retained so
// that a repeated /stop_session can be told "already_stopped" instead
// of SESSION_NOT_FOUND, satisfying spec §3's "short-lived LRU, at
// least 16 entries" with a durable, restart-surviving TTL cache.
const historyTTL = 24 * time.Hour

// Registry is the process-wide session_id -> Session mapping (C6). All
// active-map mutations are serialized by mu; no session I/O is ever
// performed while mu is held.
type Registry struct {
	mu            sync.Mutex
	active        map[string]*Session
	maxConcurrent int
	sttFactory    stt.Factory
	llmSem        chan struct{}
	ollamaBaseURL string
	logger        *logging.Logger

	history *badger.DB
}

// Config bundles the knobs Registry needs to construct Sessions.
type Config struct {
	MaxConcurrentSessions int
	MaxConcurrentLLMCalls int
	OllamaBaseURL         string
	HistoryDir            string
	ProdMode              bool
}

// NewRegistry opens the badger-backed history store and returns a
// ready Registry. Callers must call Close on shutdown.
func NewRegistry(cfg Config, logger *logging.Logger) (*Registry, error) {
	if cfg.MaxConcurrentSessions < 1 {
		cfg.MaxConcurrentSessions = 1
	}
	if cfg.MaxConcurrentLLMCalls < 1 {
		cfg.MaxConcurrentLLMCalls = 2
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	opts := badger.DefaultOptions(filepath.Join(cfg.HistoryDir, "badger"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	return &Registry{
		active:        make(map[string]*Session),
		maxConcurrent: cfg.MaxConcurrentSessions,
		sttFactory:    stt.Factory{ProdMode: cfg.ProdMode},
		llmSem:        make(chan struct{}, cfg.MaxConcurrentLLMCalls),
		ollamaBaseURL: cfg.OllamaBaseURL,
		logger:        logger,
		history:       db,
	}, nil
}

// Close releases the history store.
func (r *Registry) Close() error {
	return r.history.Close()
}

// Create constructs and registers a new Session for sessionID.
// SESSION_ALREADY_ACTIVE if the concurrency policy is exhausted;
// SESSION_ALREADY_EXISTS if sessionID names an existing active or
// historical session.
func (r *Registry) Create(cfg models.SessionConfig, sumCfg summarizer.Config) (*Session, error) {
	r.mu.Lock()
	if _, exists := r.active[cfg.SessionID]; exists {
		r.mu.Unlock()
		return nil, apperr.New(apperr.SessionAlreadyExists, "session_id already in use", nil)
	}
	if len(r.active) >= r.maxConcurrent {
		r.mu.Unlock()
		return nil, apperr.New(apperr.SessionAlreadyActive, "maximum concurrent sessions reached", nil)
	}
	r.mu.Unlock()

	if r.hasHistory(cfg.SessionID) {
		return nil, apperr.New(apperr.SessionAlreadyExists, "session_id already used by a terminated session", nil)
	}

	sum := summarizer.New(r.ollamaBaseURL, sumCfg, r.logger.With("summarizer"))
	if err := sum.CheckAvailable(context.Background()); err != nil {
		return nil, err
	}

	sess, err := New(cfg, r.sttFactory, sum, r.llmSem, r.logger.With("session."+cfg.SessionID))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.active[cfg.SessionID] = sess
	r.mu.Unlock()
	return sess, nil
}

// Get returns the active session for id, or ok=false.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.active[id]
	return sess, ok
}

// Terminate runs the stop sequence for id (if active), records the
// result in history, and removes it from the active map. If id is not
// active, it falls back to the history cache: found -> already_stopped
// semantics for the caller; not found -> SESSION_NOT_FOUND.
func (r *Registry) Terminate(id string, stopDrainTimeout time.Duration) (result *models.StopResult, alreadyStopped bool, err error) {
	r.mu.Lock()
	sess, ok := r.active[id]
	r.mu.Unlock()

	if !ok {
		if cached, found := r.lookupHistory(id); found {
			return cached, true, nil
		}
		return nil, false, apperr.New(apperr.SessionNotFound, "unknown session_id", nil)
	}

	result, err = sess.Stop(stopDrainTimeout)

	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()

	r.storeHistory(id, result)
	return result, false, err
}

// AbortActive runs Session.Abort for every currently active session
// and clears the active map. Used by C10's shutdown path so an
// interrupted process still leaves best-effort artifacts instead of
// silently dropping in-flight recordings.
func (r *Registry) AbortActive(logger *logging.Logger) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	sessions := make([]*Session, 0, len(r.active))
	for id, sess := range r.active {
		ids = append(ids, id)
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	for i, sess := range sessions {
		result := sess.Abort()
		r.storeHistory(ids[i], result)
		logger.Warn("session aborted at shutdown", logging.Fields{"session_id": ids[i]})
	}

	r.mu.Lock()
	for _, id := range ids {
		delete(r.active, id)
	}
	r.mu.Unlock()
}

func (r *Registry) hasHistory(id string) bool {
	_, found := r.lookupHistory(id)
	return found
}

func (r *Registry) lookupHistory(id string) (*models.StopResult, bool) {
	var result models.StopResult
	found := false
	err := r.history.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &result)
		})
	})
	if err != nil {
		r.logger.Warn("history lookup failed", logging.Fields{"session_id": id, "error": err.Error()})
		return nil, false
	}
	if !found {
		return nil, false
	}
	return &result, true
}

func (r *Registry) storeHistory(id string, result *models.StopResult) {
	data, err := json.Marshal(result)
	if err != nil {
		r.logger.Warn("failed to marshal history record", logging.Fields{"session_id": id, "error": err.Error()})
		return
	}
	err = r.history.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(id), data).WithTTL(historyTTL)
		return txn.SetEntry(e)
	})
	if err != nil {
		r.logger.Warn("failed to persist history record", logging.Fields{"session_id": id, "error": err.Error()})
	}
}

// AvailableModels proxies to a throwaway Summarizer purely to query
// Ollama's installed models, for /health.
func (r *Registry) AvailableModels(defaultModel string) []string {
	sum := summarizer.New(r.ollamaBaseURL, summarizer.Config{Model: defaultModel}, r.logger)
	names, err := sum.AvailableModels(context.Background())
	if err != nil {
		return nil
	}
	return names
}
