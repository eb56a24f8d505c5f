// Package inspector implements the request/response journal described in
// spec.md §4.8: a per-seq metadata entry plus raw request/response body
// files, with a coalescing write policy for the index.json journal.
package inspector

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devproxy/devproxy/internal/ruleset"
)

// flushDelay is the minimum deferral before a dirty journal is flushed, per
// spec.md §4.8: "writes are deferred by at least 2000 ms."
const flushDelay = 2 * time.Second

// Entry is one journal row, indexed by Seq.
type Entry struct {
	Seq             ruleset.Seq `json:"seq"`
	RuleName        string      `json:"ruleName,omitempty"`
	Method          string      `json:"method"`
	URL             string      `json:"url"`
	RequestHeaders  http.Header `json:"requestHeaders,omitempty"`
	StatusCode      int         `json:"statusCode,omitempty"`
	ResponseHeaders http.Header `json:"responseHeaders,omitempty"`
	StartedAt       time.Time   `json:"startedAt"`
	RespondedAt     *time.Time  `json:"respondedAt,omitempty"`
	RequestEndedAt  *time.Time  `json:"requestEndedAt,omitempty"`
	ResponseEndedAt *time.Time  `json:"responseEndedAt,omitempty"`
}

// Inspector holds the journal and the raw body files it writes alongside
// it. Dir is created eagerly (unlike the cache store, which is lazy)
// because the journal file itself needs a home before the first request.
type Inspector struct {
	Dir  string
	Keep bool

	logger *slog.Logger

	mu      sync.Mutex
	entries map[ruleset.Seq]*Entry
	order   []ruleset.Seq
	dirty   bool
	timer   *time.Timer
}

// New creates an Inspector rooted at dir. An empty dir gets a fresh
// temporary directory; keep controls whether that directory (or a
// user-supplied one) is removed on Close.
func New(dir string, keep bool, logger *slog.Logger) (*Inspector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		tmp, err := os.MkdirTemp("", "devproxy-inspector-")
		if err != nil {
			return nil, fmt.Errorf("inspector: creating temp dir: %w", err)
		}
		dir = tmp
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("inspector: creating dir: %w", err)
	}

	return &Inspector{
		Dir:     dir,
		Keep:    keep,
		logger:  logger,
		entries: make(map[ruleset.Seq]*Entry),
	}, nil
}

// OnRequest records the start of a request under seq.
func (ins *Inspector) OnRequest(seq ruleset.Seq, req *http.Request, ruleName string) {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	e := &Entry{
		Seq:            seq,
		RuleName:       ruleName,
		Method:         req.Method,
		URL:            req.URL.String(),
		RequestHeaders: req.Header.Clone(),
		StartedAt:      time.Now(),
	}
	ins.entries[seq] = e
	ins.order = append(ins.order, seq)
	ins.scheduleFlushLocked()
}

// OnRespond records response metadata for seq. A seq the inspector never
// saw an OnRequest for is ignored: the inspector is best-effort, not a
// source of truth for dispatch.
func (ins *Inspector) OnRespond(seq ruleset.Seq, statusCode int, header http.Header) {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	e, ok := ins.entries[seq]
	if !ok {
		return
	}
	now := time.Now()
	e.StatusCode = statusCode
	e.ResponseHeaders = header.Clone()
	e.RespondedAt = &now
	ins.scheduleFlushLocked()
}

// onRequestEnd marks the request body stream as fully consumed.
func (ins *Inspector) onRequestEnd(seq ruleset.Seq) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	if e, ok := ins.entries[seq]; ok {
		now := time.Now()
		e.RequestEndedAt = &now
		ins.scheduleFlushLocked()
	}
}

// onResponseEnd marks the response body stream as fully consumed.
func (ins *Inspector) onResponseEnd(seq ruleset.Seq) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	if e, ok := ins.entries[seq]; ok {
		now := time.Now()
		e.ResponseEndedAt = &now
		ins.scheduleFlushLocked()
	}
}

// scheduleFlushLocked marks the journal dirty and, if no flush is already
// pending, arms a timer to write it after flushDelay. Callers must hold
// ins.mu.
func (ins *Inspector) scheduleFlushLocked() {
	ins.dirty = true
	if ins.timer != nil {
		return
	}
	ins.timer = time.AfterFunc(flushDelay, ins.flush)
}

// flush writes the journal to index.json if it is dirty, then clears the
// pending timer so the next update arms a fresh one.
func (ins *Inspector) flush() {
	ins.mu.Lock()
	if !ins.dirty {
		ins.timer = nil
		ins.mu.Unlock()
		return
	}
	snapshot := make([]*Entry, 0, len(ins.order))
	for _, seq := range ins.order {
		snapshot = append(snapshot, ins.entries[seq])
	}
	ins.dirty = false
	ins.timer = nil
	ins.mu.Unlock()

	b, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		ins.logger.Error("inspector: marshaling journal failed", "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(ins.Dir, "index.json"), b, 0o644); err != nil {
		ins.logger.Error("inspector: writing journal failed", "error", err)
	}
}

// Close flushes any pending journal write synchronously and, unless Keep
// is set, removes the inspector directory.
func (ins *Inspector) Close() error {
	ins.mu.Lock()
	if ins.timer != nil {
		ins.timer.Stop()
		ins.timer = nil
	}
	ins.mu.Unlock()
	ins.flushSync()

	if ins.Keep {
		return nil
	}
	return os.RemoveAll(ins.Dir)
}

// flushSync forces a final flush regardless of the dirty flag's timer
// state, used on shutdown so the last burst of updates is never lost to a
// still-pending coalescing timer.
func (ins *Inspector) flushSync() {
	ins.mu.Lock()
	ins.dirty = true
	ins.mu.Unlock()
	ins.flush()
}
