// Package httperr writes the dispatcher's three fixed rejection responses.
// Every write is best-effort: if the client already closed its side, the
// write error is swallowed rather than propagated, since there is nothing
// further any caller could do about a half-closed connection.
package httperr

import (
	"fmt"
	"io"
)

const (
	shedBody       = "The server is currently experiencing high load, please try again later."
	overloadedBody = "No healthy servers available, please try again later."
	internalBody   = "Internal Server Error"
)

func write(w io.Writer, code int, reason, body string) {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", code, reason, len(body), body)
	_, _ = w.Write([]byte(resp))
}

// WriteShed sends 503 Service Unavailable: the load shedder refused admission.
func WriteShed(w io.Writer) { write(w, 503, "Service Unavailable", shedBody) }

// WriteOverloaded sends 503 Service Unavailable: no healthy backend was available.
func WriteOverloaded(w io.Writer) { write(w, 503, "Service Unavailable", overloadedBody) }

// WriteInternal sends 500 Internal Server Error: an unexpected fault on the
// dispatcher's side.
func WriteInternal(w io.Writer) { write(w, 500, "Internal Server Error", internalBody) }
