// Package stream moves large payloads over secondary connections.
//
// A transfer opens its own connection, sends the stream preamble, a
// direction byte and the call record as a block, then the raw bytes:
//
//	upload:   client → preamble | 0 | block(call) | L data bytes | boundary
//	          server → FlushStream frames (skipped) | ResponseCallMethod frame
//	download: client → preamble | 1 | block(call)
//	          server → ResponseCallMethod frame | L data bytes | boundary
//
// The side reading the raw bytes wraps the connection in a Session, which
// hands out exactly L bytes and then swallows the boundary.
package stream

import (
	"io"

	"github.com/google/uuid"
)

const (
	UploadChunk   = 10 << 10
	DownloadChunk = 100 << 10
)

// Info describes a stream passed as a method parameter or returned as a
// method result. Only Length, Boundary and ClientID cross the wire.
type Info struct {
	Length   int64  `json:"length"`
	Boundary string `json:"boundary,omitempty"`
	ClientID string `json:"clientId,omitempty"`

	// Reader supplies the bytes to send, or yields the bytes received.
	Reader io.Reader `json:"-"`
	closer io.Closer
}

// NewInfo wraps r as a stream of length bytes.
func NewInfo(r io.Reader, length int64) *Info {
	return &Info{Length: length, Reader: r}
}

func (i *Info) Read(p []byte) (int, error) {
	if i.Reader == nil {
		return 0, io.EOF
	}
	return i.Reader.Read(p)
}

// Close releases the connection behind a received stream.
func (i *Info) Close() error {
	if i.closer != nil {
		return i.closer.Close()
	}
	if c, ok := i.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// CallerID lets the dispatcher route the call to the caller's service instances.
func (i *Info) CallerID() string { return i.ClientID }

// Boundary returns the marker written after the data of transfer id.
func Boundary(id string) string {
	return "\r\n--" + id + "--\r\n"
}

func newBoundary() string {
	return Boundary(uuid.NewString())
}
