package cachestore

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devproxy/devproxy/internal/ruleset"
)

// Args is the cache rule's argument bundle, parsed from the rule grammar
// or supplied directly when rules are built in Go rather than from a
// string. TTL is in seconds; nil means an entry never expires.
type Args struct {
	TTL          *int
	CacheByQuery bool
}

// Rule implements ruleset.Handler as the stateful cache handler described
// in spec.md §4.5: a request hook that serves fresh hits out of Store and
// lets misses pass through, and a response hook that writes the response
// just forwarded into Store.
//
// Rule tracks in-flight requests by Seq so the response hook knows which
// key to write under; this resolves spec.md's "global seq→key map" into a
// per-instance map scoped to one Rule, since a process may run more than
// one cache rule against different stores or TTLs.
type Rule struct {
	Store *Store
	Args  Args

	// OnLookup, if set, is called once per OnRequest with "hit", "miss",
	// or "stale" — lets a caller track cache_lookups_total without this
	// package importing a metrics library.
	OnLookup func(result string)

	mu      sync.Mutex
	pending map[ruleset.Seq]Key
}

// NewRule builds a cache Rule writing into store with the given args.
func NewRule(store *Store, args Args) *Rule {
	return &Rule{
		Store:   store,
		Args:    args,
		pending: make(map[ruleset.Seq]Key),
	}
}

// ParseRule builds a cache Rule from a rule grammar's raw argument string,
// of the form "ttlSeconds" or "ttlSeconds,query" (the latter turning on
// cacheByQuery). An empty or "-" ttl means never-expiring.
func ParseRule(store *Store, rawArgs string) (*Rule, error) {
	args := Args{}
	parts := strings.Split(rawArgs, ",")

	ttlField := strings.TrimSpace(parts[0])
	if ttlField != "" && ttlField != "-" {
		ttl, err := strconv.Atoi(ttlField)
		if err != nil {
			return nil, fmt.Errorf("cachestore: cache rule requires an integer ttl seconds argument, got %q: %w", ttlField, err)
		}
		args.TTL = &ttl
	}
	for _, flag := range parts[1:] {
		if strings.TrimSpace(flag) == "query" {
			args.CacheByQuery = true
		}
	}
	return NewRule(store, args), nil
}

// OnRequest serves a fresh cache hit as a Synth response, or records the
// key under Seq and passes through on a miss or a stale entry, per
// spec.md §4.5.
func (r *Rule) OnRequest(rc ruleset.RequestContext) ruleset.RuleResult {
	key := r.keyFor(rc.Req)

	head, err := r.Store.LoadHead(key)
	switch {
	case err != nil || head == nil:
		r.reportLookup("miss")
		r.mu.Lock()
		r.pending[rc.Seq] = key
		r.mu.Unlock()
		return ruleset.Passthrough()
	case !Fresh(head, r.Args.TTL, time.Now()):
		r.reportLookup("stale")
		r.mu.Lock()
		r.pending[rc.Seq] = key
		r.mu.Unlock()
		return ruleset.Passthrough()
	}
	r.reportLookup("hit")

	body, err := r.Store.OpenBody(key)
	if err != nil {
		return ruleset.Fail(err)
	}

	hdr := make(http.Header, len(head.Headers))
	for k, vs := range head.Headers {
		hdr[k] = append([]string(nil), vs...)
	}

	return ruleset.Synth(&ruleset.Response{
		StatusCode:    head.StatusCode,
		StatusMessage: head.StatusMessage,
		Header:        hdr,
		Body:          body,
	})
}

// OnResponse writes the response just forwarded to rc.Seq's request into
// the store under the key recorded by OnRequest, then forgets the seq.
// A seq with no recorded key (e.g. the request was served from cache, or
// another rule already suppressed the response) is a silent no-op.
func (r *Rule) OnResponse(rc ruleset.ResponseContext) {
	r.mu.Lock()
	key, ok := r.pending[rc.Seq]
	if ok {
		delete(r.pending, rc.Seq)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	head := &Head{
		StatusCode:    rc.Res.StatusCode,
		StatusMessage: rc.Res.StatusMessage,
		Headers:       http2Header(rc.Res.Header),
		UpdateTime:    time.Now().UnixMilli(),
		CachedAt:      time.Now().UTC().Format(time.RFC3339),
	}

	var body io.Reader
	switch {
	case rc.Res.Body != nil:
		body = rc.Res.Body
	case rc.Res.InlineBody != nil:
		body = strings.NewReader(string(rc.Res.InlineBody))
	}

	if err := r.Store.Write(key, head, body); err != nil {
		// The cache write is best-effort: a failure here must never affect
		// the response already sent to the client.
		return
	}
}

// ConsumesResponseBody reports that this handler's OnResponse reads
// Res.Body, so the dispatch engine must allocate it its own tee leg of
// the response stream (see ruleset.BodyConsumer).
func (r *Rule) ConsumesResponseBody() bool { return true }

func (r *Rule) reportLookup(result string) {
	if r.OnLookup != nil {
		r.OnLookup(result)
	}
}

func (r *Rule) keyFor(req *http.Request) Key {
	return BuildKey(req.Host, req.URL.Path, req.URL.RawQuery, req.Method, r.Args.CacheByQuery)
}
