package stream

import (
	"io"
	"strings"

	"github.com/juju/errors"
)

// Session reads one stream body: Length data bytes followed by a boundary
// of fixed size. It has a single read cursor and is not safe for
// concurrent use.
//
// When the boundary does not start with CRLF, the two bytes before it
// belong to the boundary convention and are not data, so the visible
// length is Length-2. Those bytes are still consumed.
type Session struct {
	r        io.Reader
	length   int64
	boundary int
	visible  int64
	position int64
	consumed int64
	finished bool
}

// NewSession reads from r a body of length bytes terminated by boundary.
func NewSession(r io.Reader, length int64, boundary string) *Session {
	visible := length
	if !strings.HasPrefix(boundary, "\r\n") && visible >= 2 {
		visible -= 2
	}
	return &Session{r: r, length: length, boundary: len(boundary), visible: visible}
}

func (s *Session) Read(p []byte) (int, error) {
	if s.finished {
		return 0, io.EOF
	}
	if s.position >= s.visible {
		if err := s.finish(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	if rest := s.visible - s.position; int64(len(p)) > rest {
		p = p[:rest]
	}
	n, err := s.r.Read(p)
	s.position += int64(n)
	s.consumed += int64(n)
	if err == io.EOF {
		if s.position < s.visible {
			return n, io.ErrUnexpectedEOF
		}
		err = nil
	}
	if s.position > s.visible {
		// overrun is end of stream, never a retry
		s.finished = true
		return n, io.EOF
	}
	return n, err
}

// finish drops the bytes between the visible data and the boundary, then
// reads the boundary in exactly one read.
func (s *Session) finish() error {
	if skip := s.length - s.visible; skip > 0 {
		n, err := io.CopyN(io.Discard, s.r, skip)
		s.consumed += n
		if err != nil {
			return errors.Annotate(err, "reading data before boundary")
		}
	}
	if s.boundary > 0 {
		buf := make([]byte, s.boundary)
		n, err := io.ReadFull(s.r, buf)
		s.consumed += int64(n)
		if err != nil {
			return errors.Annotate(err, "reading stream boundary")
		}
	}
	s.finished = true
	return nil
}

// Drain reads whatever the consumer left unread, boundary included.
func (s *Session) Drain() error {
	_, err := io.Copy(io.Discard, s)
	return errors.Trace(err)
}

// Position is the number of data bytes handed out so far.
func (s *Session) Position() int64 { return s.position }

// Consumed is the number of bytes read off the connection, boundary included.
func (s *Session) Consumed() int64 { return s.consumed }

func (s *Session) Length() int64 { return s.length }

func (s *Session) Finished() bool { return s.finished }
