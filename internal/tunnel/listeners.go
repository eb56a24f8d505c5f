// Package tunnel implements the listener pair and CONNECT bridge from
// spec.md §4.1: a plain HTTP listener on the configured port, an internal
// TLS listener on an ephemeral loopback port that terminates TLS using
// per-SNI certificates from package certauth, and the raw-TCP bridge that
// connects the two for intercepted CONNECT traffic.
package tunnel

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/devproxy/devproxy/internal/certauth"
	"github.com/devproxy/devproxy/internal/errsink"
)

// notEnabledMessage is written verbatim to a CONNECT client when no root
// CA is configured, per spec.md §4.1.
const notEnabledMessage = "https proxy not enabled!"

// Pair owns the plain listener, the internal TLS listener (if a
// certificate cache is configured), and the CONNECT bridge between them.
type Pair struct {
	Handler http.Handler
	Certs   *certauth.Cache
	ErrSink errsink.Sink
	Logger  *slog.Logger

	// OnConnectOpen and OnConnectClose, if set, bracket the lifetime of
	// one established CONNECT bridge (not the hijack attempt itself, only
	// a tunnel that got as far as "200 Connection Established"). They let
	// a caller track an active-tunnels gauge without this package
	// depending on a metrics library.
	OnConnectOpen  func()
	OnConnectClose func()

	plain    net.Listener
	tlsLn    net.Listener
	tlsAddr  string
	closedCh chan struct{}
}

// Listen binds the plain listener on addr and, if certs is non-nil, an
// internal TLS listener on 127.0.0.1:0.
func Listen(addr string, handler http.Handler, certs *certauth.Cache, errSink errsink.Sink, logger *slog.Logger) (*Pair, error) {
	if logger == nil {
		logger = slog.Default()
	}
	plain, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: binding plain listener on %s: %w", addr, err)
	}

	p := &Pair{Handler: handler, Certs: certs, ErrSink: errSink, Logger: logger, plain: plain, closedCh: make(chan struct{})}

	if certs != nil {
		tlsLn, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			plain.Close()
			return nil, fmt.Errorf("tunnel: binding internal TLS listener: %w", err)
		}
		tlsConfig := &tls.Config{
			GetCertificate: certs.GetCertificateFunc(logger),
			// HTTP/2 and WebSocket upgrades are explicit non-goals (spec
			// §9): refusing h2 in ALPN keeps every intercepted connection
			// on HTTP/1.1, where the Upgrade-header check below applies.
			NextProtos: []string{"http/1.1"},
		}
		p.tlsLn = tls.NewListener(tlsLn, tlsConfig)
		p.tlsAddr = tlsLn.Addr().String()
	}

	return p, nil
}

// Addr returns the plain listener's bound address.
func (p *Pair) Addr() net.Addr { return p.plain.Addr() }

// Serve runs the plain HTTP server (intercepting CONNECT itself) and, if
// configured, the internal TLS server, until either listener stops. It
// blocks until Close is called or a listener fails.
func (p *Pair) Serve() error {
	errCh := make(chan error, 2)

	plainSrv := &http.Server{Handler: http.HandlerFunc(p.servePlain)}
	go func() { errCh <- plainSrv.Serve(p.plain) }()

	if p.tlsLn != nil {
		tlsSrv := &http.Server{Handler: rejectWebSocketUpgrade(p.Handler)}
		go func() { errCh <- tlsSrv.Serve(p.tlsLn) }()
	}

	err := <-errCh
	if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close closes both listeners.
func (p *Pair) Close() error {
	var err error
	if e := p.plain.Close(); e != nil {
		err = e
	}
	if p.tlsLn != nil {
		if e := p.tlsLn.Close(); e != nil {
			err = e
		}
	}
	return err
}

// rejectWebSocketUpgrade refuses any request asking to upgrade to
// WebSocket, per spec.md §9: "implementors MUST reject Upgrade: websocket
// ... on the internal TLS listener."
func rejectWebSocketUpgrade(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			http.Error(w, "websocket upgrades are not supported", http.StatusNotImplemented)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// servePlain dispatches CONNECT requests to the bridge and everything
// else to the configured handler.
func (p *Pair) servePlain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		p.Handler.ServeHTTP(w, r)
		return
	}
	p.handleConnect(w, r)
}

// handleConnect implements spec.md §4.1's CONNECT bridge: hijack the
// client connection, open a raw TCP pipe to the internal TLS listener (or
// refuse if none is configured), confirm the tunnel, then splice
// bidirectionally until either side closes.
func (p *Pair) handleConnect(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connect unsupported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		errsink.Report(p.ErrSink, errsink.KindConnect, "hijack", err)
		return
	}
	defer clientConn.Close()

	if p.tlsLn == nil {
		clientConn.Write([]byte(notEnabledMessage))
		return
	}

	upstreamConn, err := net.Dial("tcp", p.tlsAddr)
	if err != nil {
		errsink.Report(p.ErrSink, errsink.KindConnect, "dial internal tls listener", err)
		return
	}
	defer upstreamConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		reportUnlessBenign(p.ErrSink, err)
		return
	}

	// Forward any client bytes already buffered by the hijack before
	// starting the steady-state pipe.
	if clientBuf != nil && clientBuf.Reader.Buffered() > 0 {
		if _, err := io.CopyN(upstreamConn, clientBuf.Reader, int64(clientBuf.Reader.Buffered())); err != nil {
			reportUnlessBenign(p.ErrSink, err)
			return
		}
	}

	if p.OnConnectOpen != nil {
		p.OnConnectOpen()
	}
	if p.OnConnectClose != nil {
		defer p.OnConnectClose()
	}
	pipe(clientConn, upstreamConn, p.ErrSink)
}

// pipe bidirectionally copies between a and b until both directions have
// finished, swallowing the connection-reset/broken-pipe errors spec.md §5
// calls benign teardown noise.
func pipe(a, b net.Conn, errSink errsink.Sink) {
	done := make(chan struct{}, 2)
	go func() {
		_, err := io.Copy(a, b)
		reportUnlessBenign(errSink, err)
		done <- struct{}{}
	}()
	go func() {
		_, err := io.Copy(b, a)
		reportUnlessBenign(errSink, err)
		done <- struct{}{}
	}()
	<-done
	<-done
}

// reportUnlessBenign reports err via errSink unless it is a teardown
// condition: ECONNRESET and EPIPE (which spec.md §5 says are not errors),
// plus io.EOF and a use of an already-closed connection.
func reportUnlessBenign(errSink errsink.Sink, err error) {
	if err == nil || isBenignTeardown(err) {
		return
	}
	errsink.Report(errSink, errsink.KindConnect, "connect bridge pipe", err)
}

func isBenignTeardown(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset by peer") || strings.Contains(msg, "broken pipe")
}
