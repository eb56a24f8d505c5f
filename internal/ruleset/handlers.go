package ruleset

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"time"
)

// DelayHandler sleeps for a configured duration then passes the request
// through unchanged. delay_ms <= 0 is a no-op, per spec.md §4.4.
type DelayHandler struct {
	NoResponseHook
	DelayMS int
	// sleep is overridable in tests so they don't have to wait in real
	// time.
	sleep func(time.Duration)
}

// NewDelayHandler creates a DelayHandler for the given millisecond delay.
func NewDelayHandler(delayMS int) *DelayHandler {
	return &DelayHandler{DelayMS: delayMS, sleep: time.Sleep}
}

// OnRequest implements Handler.
func (h *DelayHandler) OnRequest(RequestContext) RuleResult {
	if h.DelayMS > 0 {
		h.sleep(time.Duration(h.DelayMS) * time.Millisecond)
	}
	return Passthrough()
}

// ContentHandler synthesizes a 200 response from an in-memory value. A
// structured value is JSON-serialized; anything else is stringified with
// fmt.Sprint, per spec.md §4.4.
type ContentHandler struct {
	NoResponseHook
	Value any
}

// NewContentHandler creates a ContentHandler for value.
func NewContentHandler(value any) *ContentHandler {
	return &ContentHandler{Value: value}
}

// OnRequest implements Handler.
func (h *ContentHandler) OnRequest(RequestContext) RuleResult {
	body := renderContent(h.Value)
	return Synth(&Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		InlineBody: body,
	})
}

// renderContent applies the content handler's JSON-vs-stringify rule.
func renderContent(value any) []byte {
	switch v := value.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	case nil:
		return nil
	default:
		if isStructured(v) {
			b, err := json.Marshal(v)
			if err != nil {
				return []byte(fmt.Sprint(v))
			}
			return b
		}
		return []byte(fmt.Sprint(v))
	}
}

// isStructured reports whether v should be JSON-serialized rather than
// stringified: maps, slices, arrays, and structs (or pointers to them) are
// "structured"; scalars are not.
func isStructured(v any) bool {
	switch reflect.Indirect(reflect.ValueOf(v)).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	default:
		return false
	}
}

// FileHandler serves the contents of a filesystem path, or a 404 if the
// path is missing, per spec.md §4.4.
type FileHandler struct {
	NoResponseHook
	Path string
}

// NewFileHandler creates a FileHandler for path.
func NewFileHandler(path string) *FileHandler {
	return &FileHandler{Path: path}
}

// OnRequest implements Handler.
func (h *FileHandler) OnRequest(RequestContext) RuleResult {
	f, err := os.Open(h.Path)
	if err != nil {
		return Synth(&Response{
			StatusCode: http.StatusNotFound,
			Header:     http.Header{},
		})
	}
	return Synth(&Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       f, // lazy read stream; dispatch closes it after emitting.
	})
}

// ForwardHandler rewrites the request's target to a different absolute URL
// and asks the engine to fetch that instead, per spec.md §4.4.
type ForwardHandler struct {
	NoResponseHook
	Target *url.URL
}

// NewForwardHandler parses target as an absolute URL.
func NewForwardHandler(target string) (*ForwardHandler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("forward: invalid target url %q: %w", target, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("forward: target url %q is not absolute", target)
	}
	return &ForwardHandler{Target: u}, nil
}

// OnRequest implements Handler. Per spec.md §4.4, forwarding replaces the
// request's target wholesale with the configured URL (stripping the
// original scheme://host prefix is how the source rewrites req.url in
// place of a full URL object; here that reduces to using the target
// verbatim) and sets Host to the new target's host.
func (h *ForwardHandler) OnRequest(rc RequestContext) RuleResult {
	rc.Req.Host = h.Target.Host
	return Redirect(h.Target.String())
}
