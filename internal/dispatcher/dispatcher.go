// Package dispatcher owns the listening socket and drives the per-connection
// lifecycle: accept, peek the session id, pick a backend under the registry
// lock, dial it, relay bytes in both directions, and tear down exactly once.
// Failures never propagate out of a connection's goroutine — every fault
// path ends in one of the fixed internal/httperr responses plus a log line.
package dispatcher

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"time"

	"l7lb/internal/httperr"
	"l7lb/internal/registry"
	"l7lb/internal/shed"
	"l7lb/internal/strategy"
)

const (
	// peekBytes bounds how much of the client's first segment is scanned
	// for a SID header.
	peekBytes = 4096
	// peekDeadline bounds how long the peek waits for the first segment
	// to arrive; past this the session key falls back to the client IP.
	peekDeadline = 200 * time.Millisecond
	// relayBufferSize is the buffer size used by both relay half-streams.
	relayBufferSize = 4096
	// dialTimeout bounds how long dialing the chosen backend may take.
	dialTimeout = 5 * time.Second
)

// Config controls per-connection behavior that is not itself part of the
// registry or the picked strategy.
type Config struct {
	StickySessions bool
	ShedEnabled    bool
	ShedParams     shed.Params
}

// Dispatcher accepts client connections and relays them to a backend chosen
// from Registry via Picker, subject to Config.
type Dispatcher struct {
	Registry *registry.Registry
	Picker   strategy.Picker
	Config   Config
}

// New builds a Dispatcher over the given registry, picker and config.
func New(reg *registry.Registry, picker strategy.Picker, cfg Config) *Dispatcher {
	return &Dispatcher{Registry: reg, Picker: picker, Config: cfg}
}

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed for shutdown), handling each one in its own
// goroutine. Serve itself blocks and returns the listener's terminal error.
func (d *Dispatcher) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go d.handleConn(conn)
	}
}

// handleConn drives one client connection through its full lifecycle and
// always returns having closed conn exactly once.
func (d *Dispatcher) handleConn(conn net.Conn) {
	defer conn.Close()

	connID := newConnID()
	start := time.Now()
	clientIP := hostOf(conn.RemoteAddr())
	clientReader, sessionKey := d.peekSessionKey(conn, clientIP)

	backend, rejected := d.admit(sessionKey, clientIP)
	if rejected != nil {
		slog.Info("dispatcher: connection rejected", "conn_id", connID, "client", clientIP, "reason", rejectionLabel(*rejected))
		writeRejection(conn, rejected)
		return
	}

	slog.Debug("dispatcher: connection admitted", "conn_id", connID, "client", clientIP, "backend", backend.Name)

	backendConn, err := net.DialTimeout("tcp", backend.Address(), dialTimeout)
	if err != nil {
		slog.Warn("dispatcher: dial failed", "conn_id", connID, "backend", backend.Name, "error", err)
		httperr.WriteInternal(conn)
		d.teardown(backend, true)
		return
	}
	defer backendConn.Close()

	d.relay(conn, clientReader, backendConn, backend)

	slog.Debug("dispatcher: connection closed", "conn_id", connID, "backend", backend.Name, "duration_ms", time.Since(start).Milliseconds())
}

// newConnID generates a short hex correlation id for a single connection's
// log lines, the same way the teacher's HTTP request logger minted
// per-request ids.
func newConnID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func rejectionLabel(r rejection) string {
	switch r {
	case rejectShed:
		return "shed"
	case rejectOverloaded:
		return "overloaded"
	default:
		return "unknown"
	}
}

// rejection identifies which fixed response a failed admission gets.
type rejection int

const (
	rejectShed rejection = iota
	rejectOverloaded
)

// admit performs the mutex-guarded admission sequence from shed-check
// through counter updates, all as one critical section. Returns either a
// chosen backend or a non-nil rejection — never both.
func (d *Dispatcher) admit(sessionKey, clientIP string) (*registry.Backend, *rejection) {
	d.Registry.Lock()
	defer d.Registry.Unlock()

	if d.Config.ShedEnabled && shed.ShouldShed(d.Registry.InFlight(), d.Config.ShedParams) {
		r := rejectShed
		return nil, &r
	}

	now := time.Now()
	var backend *registry.Backend
	if d.Config.StickySessions {
		if b, ok := d.Registry.SessionLookup(sessionKey, now); ok && b.Healthy {
			backend = b
		}
	}
	if backend == nil {
		b, err := d.Picker.Pick(strategy.Context{SourceIP: clientIP})
		if err != nil {
			r := rejectOverloaded
			return nil, &r
		}
		backend = b
	}

	backend.ActiveConnections++
	d.Registry.IncInFlight()
	backend.Errors = 0
	if d.Config.StickySessions {
		d.Registry.SessionStore(sessionKey, backend, now)
	}

	return backend, nil
}

func writeRejection(conn net.Conn, r *rejection) {
	switch *r {
	case rejectShed:
		httperr.WriteShed(conn)
	case rejectOverloaded:
		httperr.WriteOverloaded(conn)
	}
}

// teardown reverses the counter updates made in admit, exactly once.
// incErrors additionally records a backend-side fault.
func (d *Dispatcher) teardown(b *registry.Backend, incErrors bool) {
	d.Registry.Lock()
	defer d.Registry.Unlock()

	if b.ActiveConnections > 0 {
		b.ActiveConnections--
	}
	d.Registry.DecInFlight()
	if incErrors {
		b.Errors++
	}
}

// relay runs the bidirectional byte copy between client and backend until
// either side closes or errors, then tears down the admitted connection
// exactly once. clientReader wraps client's reads so that bytes already
// consumed from the socket by peekSessionKey's Peek are still forwarded.
func (d *Dispatcher) relay(client net.Conn, clientReader io.Reader, backendConn net.Conn, backend *registry.Backend) {
	errCh := make(chan error, 2)

	go func() {
		buf := make([]byte, relayBufferSize)
		_, err := io.CopyBuffer(backendConn, clientReader, buf)
		if tc, ok := backendConn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		errCh <- err
	}()

	buf := make([]byte, relayBufferSize)
	_, clientErr := io.CopyBuffer(client, backendConn, buf)
	if tc, ok := client.(*net.TCPConn); ok {
		tc.CloseWrite()
	}

	backendErr := <-errCh

	faulted := clientErr != nil || backendErr != nil
	if faulted {
		slog.Debug("dispatcher: relay ended with error", "backend", backend.Name, "client_to_backend_err", backendErr, "backend_to_client_err", clientErr)
		httperr.WriteInternal(client)
	}

	d.teardown(backend, faulted)
}

// peekSessionKey looks for a literal "SID: <value>" line in the client's
// first segment without consuming it from the connection, and returns the
// bufio.Reader it used to do so — every subsequent read of conn, including
// the relay's, must go through that same reader, or the peeked bytes would
// be read from the socket twice (once into the peek buffer, once lost when
// a fresh reader attached to conn skips past what bufio already consumed).
// If the client hasn't sent anything within peekDeadline, the session key
// falls back to clientIP.
func (d *Dispatcher) peekSessionKey(conn net.Conn, clientIP string) (io.Reader, string) {
	br := bufio.NewReaderSize(conn, peekBytes)

	conn.SetReadDeadline(time.Now().Add(peekDeadline))
	peeked, _ := br.Peek(peekBytes)
	conn.SetReadDeadline(time.Time{})

	if sid, ok := findSID(peeked); ok {
		return br, sid
	}
	return br, clientIP
}

// findSID scans line-delimited header bytes for "SID: <value>". The header
// name comparison is case-sensitive on the literal "SID: " including the
// space after the colon.
func findSID(data []byte) (string, bool) {
	const prefix = "SID: "
	for _, line := range bytes.Split(data, []byte("\r\n")) {
		if bytes.HasPrefix(line, []byte(prefix)) {
			return string(line[len(prefix):]), true
		}
	}
	return "", false
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
