// Package dispatch implements the request dispatch engine and response
// emitter described in spec.md §4.6/§4.7: matching an intercepted request
// against the rule list, coercing the matched rule's RuleResult into an
// upstream fetch or a synthesized response, and streaming that response
// back to the client while fanning its body out to the cache and
// inspector via package broadcast.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/devproxy/devproxy/internal/broadcast"
	"github.com/devproxy/devproxy/internal/errsink"
	"github.com/devproxy/devproxy/internal/inspector"
	"github.com/devproxy/devproxy/internal/ruleset"
)

// hopByHopHeaders are stripped before forwarding a request or response,
// per RFC 7230 §6.1; they describe this connection, not the next.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Engine dispatches intercepted requests against an ordered rule list.
type Engine struct {
	Rules     []ruleset.Rule
	Inspector *inspector.Inspector
	ErrSink   errsink.Sink
	Client    *http.Client

	seq atomic.Uint64
}

// NewEngine builds an Engine with a default upstream client if client is
// nil.
func NewEngine(rules []ruleset.Rule, ins *inspector.Inspector, errSink errsink.Sink, client *http.Client) *Engine {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Engine{Rules: rules, Inspector: ins, ErrSink: errSink, Client: client}
}

// responseWriterKey is the context key a Suppress-returning handler uses
// to recover the live http.ResponseWriter, since it owns the response
// itself rather than returning one through RuleResult.
type responseWriterKey struct{}

// ResponseWriterFromContext recovers the http.ResponseWriter stashed onto
// a request's context for handlers that return ruleset.Suppress().
func ResponseWriterFromContext(ctx context.Context) (http.ResponseWriter, bool) {
	w, ok := ctx.Value(responseWriterKey{}).(http.ResponseWriter)
	return w, ok
}

// ServeHTTP implements the per-request dispatch algorithm for plain HTTP
// and already-decrypted HTTPS requests alike; the caller (the plain
// listener or the internal TLS bridge) is responsible for getting a
// decrypted *http.Request this far.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	seq := ruleset.Seq(e.seq.Add(1))

	matched := e.match(r)
	var ruleName string
	if matched != nil {
		ruleName = matched.Name
	}
	if e.Inspector != nil {
		e.Inspector.OnRequest(seq, r, ruleName)
	}

	if matched != nil && r.Method == http.MethodOptions {
		writeCORSPreflight(w)
		return
	}

	ctx := context.WithValue(r.Context(), responseWriterKey{}, w)
	r = r.WithContext(ctx)

	result := ruleset.Passthrough()
	if matched != nil {
		result = matched.Handler.OnRequest(ruleset.RequestContext{Seq: seq, Req: r, Args: matched.Args})
	}

	if result.IsSuppress() {
		return
	}

	if err := e.resolve(seq, matched, r, w, result); err != nil {
		errsink.Report(e.ErrSink, errsink.KindForward, "dispatch.resolve", err)
	}
}

// match returns the first non-disabled rule whose matcher accepts the
// request's host+path, or nil.
func (e *Engine) match(r *http.Request) *ruleset.Rule {
	hp := ruleset.HostAndPath(r.Host, r.URL.RequestURI())
	for i := range e.Rules {
		rule := &e.Rules[i]
		if rule.Disabled {
			continue
		}
		if rule.Matcher.Match(hp) {
			return rule
		}
	}
	return nil
}

// resolve coerces result into an upstream fetch or a synthesized
// response, then hands off to emit.
func (e *Engine) resolve(seq ruleset.Seq, rule *ruleset.Rule, r *http.Request, w http.ResponseWriter, result ruleset.RuleResult) error {
	if target, ok := result.IsRedirect(); ok {
		return e.fetch(seq, rule, r, w, target)
	}
	if resp, ok := result.IsSynth(); ok {
		normalizeSynth(resp)
		return e.emit(seq, rule, resp, w)
	}
	if err, ok := result.IsFail(); ok {
		return e.emit(seq, rule, &ruleset.Response{
			StatusCode: http.StatusInternalServerError,
			Header:     http.Header{"Access-Control-Allow-Origin": {"*"}},
			InlineBody: []byte(err.Error()),
		}, w)
	}
	// Passthrough, or any other coercion, forwards the original target.
	return e.fetch(seq, rule, r, w, requestTargetURL(r))
}

// requestTargetURL reconstructs the absolute upstream URL for r. A
// classic HTTP proxy request arrives absolute-form (r.URL already carries
// a scheme and host) and is used as-is. A request handed to the engine by
// the internal TLS listener after decrypting a CONNECT tunnel arrives
// origin-form instead (r.URL is just the path; the authority lives in
// r.Host and the scheme must be recovered from r.TLS), per spec.md §4.6's
// "current protocol (http/https)" engine input.
func requestTargetURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// normalizeSynth applies the defaults spec.md §4.6 requires of a
// synthesized response: status 200 if unset, and permissive CORS.
func normalizeSynth(resp *ruleset.Response) {
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set("Access-Control-Allow-Origin", "*")
}

// fetch opens an upstream connection to target using r's method, headers,
// and body, then emits the upstream response.
func (e *Engine) fetch(seq ruleset.Seq, rule *ruleset.Rule, r *http.Request, w http.ResponseWriter, target string) error {
	targetURL, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("parsing fetch target %q: %w", target, err)
	}

	reqBody := r.Body
	if e.Inspector != nil && reqBody != nil {
		if sink, sinkErr := e.Inspector.RequestBodySink(seq); sinkErr == nil {
			reqBody = &teeReadCloser{Reader: io.TeeReader(reqBody, sink), orig: reqBody, sink: sink}
		}
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), reqBody)
	if err != nil {
		return fmt.Errorf("building upstream request: %w", err)
	}
	outReq.Header = cloneHeader(r.Header)
	stripHopByHop(outReq.Header)
	outReq.Host = r.Host
	if targetURL.Host != "" {
		outReq.Host = targetURL.Host
	}

	res, err := e.Client.Do(outReq)
	if err != nil {
		return fmt.Errorf("fetching upstream: %w", err)
	}

	resp := &ruleset.Response{
		StatusCode:    res.StatusCode,
		StatusMessage: res.Status,
		Header:        res.Header,
		Body:          res.Body,
	}
	return e.emit(seq, rule, resp, w)
}

// emit implements the response emitter: write status+headers, notify the
// inspector, then stream the body to the client while fanning it out to
// any rule handler that consumes the response body and to the inspector.
func (e *Engine) emit(seq ruleset.Seq, rule *ruleset.Rule, resp *ruleset.Response, w http.ResponseWriter) error {
	wantsCache := false
	if rule != nil {
		if bc, ok := rule.Handler.(ruleset.BodyConsumer); ok {
			wantsCache = bc.ConsumesResponseBody()
		}
	}
	wantsInspector := e.Inspector != nil

	var clientBody io.ReadCloser = resp.Body
	var cacheLeg, inspectorLeg io.ReadCloser

	if resp.Body != nil && (wantsCache || wantsInspector) {
		// The client leg is exempt from the stall cutoff: cache and
		// inspector writes run concurrently with the client copy below,
		// but neither may be able to truncate the response actually sent
		// to the client if either falls behind.
		bounds := []int{broadcast.Unbounded}
		if wantsCache {
			bounds = append(bounds, broadcast.DefaultBufBound)
		}
		if wantsInspector {
			bounds = append(bounds, broadcast.DefaultBufBound)
		}
		tee, legs := broadcast.NewTeeBounds(resp.Body, bounds)
		go tee.Run()

		idx := 0
		clientBody = legs[idx]
		idx++
		if wantsCache {
			cacheLeg = legs[idx]
			idx++
		}
		if wantsInspector {
			inspectorLeg = legs[idx]
		}
	}

	if rule != nil && wantsCache {
		cacheResp := *resp
		cacheResp.Body = cacheLeg
		// Run on its own goroutine, like the inspector leg below: this
		// write (cachestore.Store.Write draining cacheLeg to disk) must
		// not block the client copy further down, or a body larger than
		// the cache leg's bound would see the unread client leg overflow
		// and get cut off with ErrStalled before it's ever read.
		go rule.Handler.OnResponse(ruleset.ResponseContext{Seq: seq, Res: &cacheResp})
	} else if rule != nil {
		rule.Handler.OnResponse(ruleset.ResponseContext{Seq: seq, Res: resp})
	}

	if wantsInspector {
		e.Inspector.OnRespond(seq, resp.StatusCode, resp.Header)
		if inspectorLeg != nil {
			sink, err := e.Inspector.ResponseBodySink(seq)
			if err == nil {
				go func() {
					io.Copy(sink, inspectorLeg)
					sink.Close()
				}()
			} else {
				inspectorLeg.Close()
			}
		}
	}

	header := w.Header()
	for k, vs := range resp.Header {
		header[k] = vs
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	w.WriteHeader(resp.StatusCode)

	if clientBody != nil {
		defer clientBody.Close()
		_, err := io.Copy(w, clientBody)
		if isBenignTeardown(err) {
			return nil
		}
		return err
	}
	if len(resp.InlineBody) > 0 {
		_, err := w.Write(resp.InlineBody)
		return err
	}
	return nil
}

// isBenignTeardown reports whether err from the client body copy means the
// client went away (a closed pipe or a cancelled request context), which
// emit swallows rather than reports.
func isBenignTeardown(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, context.Canceled)
}

func writeCORSPreflight(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "*")
	h.Set("Access-Control-Allow-Headers", "*")
	w.WriteHeader(http.StatusNoContent)
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// teeReadCloser wraps a request body so every byte the upstream client
// reads off it is also appended to sink, and closing it (http.Client
// always closes the outgoing request body once it's done with it) closes
// both the original body and sink, firing onRequestEnd per spec.md §4.8.
type teeReadCloser struct {
	io.Reader
	orig io.Closer
	sink io.Closer
}

func (t *teeReadCloser) Close() error {
	sinkErr := t.sink.Close()
	if err := t.orig.Close(); err != nil {
		return err
	}
	return sinkErr
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
