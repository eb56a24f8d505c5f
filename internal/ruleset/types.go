// Package ruleset implements the rule-matching pipeline: compiled matchers
// over host+path, the RuleResult sum type returned by a rule's request
// hook, and the four built-in handlers (delay, content, file, forward).
// The stateful cache handler lives in package cachestore, which depends on
// the types defined here.
package ruleset

import (
	"io"
	"net/http"
)

// Seq is the monotonic per-process request identifier assigned by the
// dispatch engine. It correlates a request across dispatch, the inspector,
// and the cache handler.
type Seq uint64

// Response is a fully-formed response a handler can synthesize: a status
// code, optional status message, headers, and a body that is either
// inline bytes or a single-consumer stream.
type Response struct {
	StatusCode    int
	StatusMessage string
	Header        http.Header
	// Body, if set, is read exactly once by the dispatch engine's emitter.
	// Nil means an empty body.
	Body io.ReadCloser
	// InlineBody is used instead of Body when the handler already has the
	// full payload in memory (e.g. the content handler).
	InlineBody []byte
}

// resultKind tags which RuleResult variant is populated; it is unexported
// so RuleResult can only be constructed through the package's
// constructors, keeping the sum type closed per spec.md §9.
type resultKind int

const (
	kindPassthrough resultKind = iota
	kindRedirect
	kindSuppress
	kindSynth
	kindFail
)

// RuleResult is the tagged union a rule's request hook returns: exactly one
// of Passthrough, Redirect, Suppress, Synth, or Fail, per spec.md §3.
type RuleResult struct {
	kind     resultKind
	url      string
	response *Response
	err      error
}

// Passthrough forwards the original request unchanged.
func Passthrough() RuleResult { return RuleResult{kind: kindPassthrough} }

// Redirect forwards the request to url instead of its original target.
func Redirect(url string) RuleResult { return RuleResult{kind: kindRedirect, url: url} }

// Suppress signals the handler has already written the response itself;
// dispatch ends without further action.
func Suppress() RuleResult { return RuleResult{kind: kindSuppress} }

// Synth returns resp as the response, synthesized locally.
func Synth(resp *Response) RuleResult { return RuleResult{kind: kindSynth, response: resp} }

// Fail synthesizes a 500 response with err as the body.
func Fail(err error) RuleResult { return RuleResult{kind: kindFail, err: err} }

// IsPassthrough reports whether r is the Passthrough variant.
func (r RuleResult) IsPassthrough() bool { return r.kind == kindPassthrough }

// IsRedirect reports whether r is the Redirect variant and returns its URL.
func (r RuleResult) IsRedirect() (string, bool) { return r.url, r.kind == kindRedirect }

// IsSuppress reports whether r is the Suppress variant.
func (r RuleResult) IsSuppress() bool { return r.kind == kindSuppress }

// IsSynth reports whether r is the Synth variant and returns its Response.
func (r RuleResult) IsSynth() (*Response, bool) { return r.response, r.kind == kindSynth }

// IsFail reports whether r is the Fail variant and returns its error.
func (r RuleResult) IsFail() (error, bool) { return r.err, r.kind == kindFail }

// RequestContext is passed to a handler's request hook.
type RequestContext struct {
	Seq  Seq
	Req  *http.Request
	Args any
}

// ResponseContext is passed to a handler's response hook.
type ResponseContext struct {
	Seq Seq
	Res *Response
}

// Handler is the interface a rule's behavior implements. OnResponse is
// optional: handlers that don't need it embed NoResponseHook.
type Handler interface {
	OnRequest(rc RequestContext) RuleResult
	OnResponse(rc ResponseContext)
}

// NoResponseHook can be embedded by handlers with no response-side work.
type NoResponseHook struct{}

// OnResponse is a no-op.
func (NoResponseHook) OnResponse(ResponseContext) {}

// BodyConsumer may be implemented by a Handler whose OnResponse reads
// Res.Body (the cache handler does; the built-in delay/content/file/
// forward handlers do not). The dispatch engine only allocates a handler
// its own tee leg of the response body when it implements this interface,
// so handlers that never touch the body don't pay for one.
type BodyConsumer interface {
	ConsumesResponseBody() bool
}

// Rule is one ordered entry in the rule list: an optional display name, a
// compiled matcher, an opaque argument bundle, and a handler.
type Rule struct {
	Name     string
	Matcher  *Matcher
	Args     any
	Handler  Handler
	Disabled bool
}
