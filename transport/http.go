package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"strconv"
)

// ResponseWriter answers a single HTTP request on a raw connection. The body
// is buffered so a Content-Length can be sent; Flush writes the response.
// Hijack hands the connection to a protocol upgrade instead.
type ResponseWriter struct {
	conn     net.Conn
	br       *bufio.Reader
	header   http.Header
	status   int
	body     bytes.Buffer
	hijacked bool
	flushed  bool
}

func NewResponseWriter(conn net.Conn, br *bufio.Reader) *ResponseWriter {
	return &ResponseWriter{conn: conn, br: br, header: make(http.Header)}
}

func (w *ResponseWriter) Header() http.Header { return w.header }

func (w *ResponseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
}

func (w *ResponseWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(p)
}

// Status returns the status code written so far, 0 if none.
func (w *ResponseWriter) Status() int { return w.status }

func (w *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return w.conn, bufio.NewReadWriter(w.br, bufio.NewWriter(w.conn)), nil
}

// Flush writes the status line, headers and buffered body once.
func (w *ResponseWriter) Flush() error {
	if w.hijacked || w.flushed {
		return nil
	}
	w.flushed = true
	w.WriteHeader(http.StatusOK)
	w.header.Set("Content-Length", strconv.Itoa(w.body.Len()))
	w.header.Set("Connection", "close")

	var out bytes.Buffer
	fmt.Fprintf(&out, "HTTP/1.1 %d %s\r\n", w.status, http.StatusText(w.status))
	w.header.Write(&out)
	out.WriteString("\r\n")
	out.Write(w.body.Bytes())
	_, err := w.conn.Write(out.Bytes())
	return err
}
