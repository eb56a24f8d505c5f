package inspector

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/devproxy/devproxy/internal/ruleset"
)

// bodySink is an io.WriteCloser that appends to a raw body file and
// notifies the owning Inspector when the stream terminates, satisfying
// the onRequestEnd/onResponseEnd callbacks of spec.md §4.8.
type bodySink struct {
	f      *os.File
	onDone func()
}

func (b *bodySink) Write(p []byte) (int, error) {
	if b.f == nil {
		return len(p), nil
	}
	return b.f.Write(p)
}

// Close closes the underlying file (if one was opened) and always fires
// onDone exactly once, even if the file is nil or Close is called more
// than once.
func (b *bodySink) Close() error {
	var err error
	if b.f != nil {
		err = b.f.Close()
		b.f = nil
	}
	if b.onDone != nil {
		done := b.onDone
		b.onDone = nil
		done()
	}
	return err
}

// RequestBodySink opens {seq}.req for writing and returns a sink that
// calls onRequestEnd when the request body stream terminates.
func (ins *Inspector) RequestBodySink(seq ruleset.Seq) (*bodySink, error) {
	f, err := os.Create(filepath.Join(ins.Dir, fmt.Sprintf("%d.req", seq)))
	if err != nil {
		return nil, fmt.Errorf("inspector: creating request body file: %w", err)
	}
	return &bodySink{f: f, onDone: func() { ins.onRequestEnd(seq) }}, nil
}

// ResponseBodySink opens {seq}.res for writing and returns a sink that
// calls onResponseEnd when the response body stream terminates.
func (ins *Inspector) ResponseBodySink(seq ruleset.Seq) (*bodySink, error) {
	f, err := os.Create(filepath.Join(ins.Dir, fmt.Sprintf("%d.res", seq)))
	if err != nil {
		return nil, fmt.Errorf("inspector: creating response body file: %w", err)
	}
	return &bodySink{f: f, onDone: func() { ins.onResponseEnd(seq) }}, nil
}
