package client

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/gogotex/livedoc/internal/events"
)

var dataPrefix = []byte("data: ")

// Stream yields decoded events from a server-sent event response.
type Stream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
	once sync.Once
}

func newStream(body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 10<<20) // documents can be large
	return &Stream{body: body, sc: sc}
}

// Next blocks until the next event arrives. It returns io.EOF when the
// server ends the stream. Frames that do not decode are skipped.
func (s *Stream) Next() (events.Event, error) {
	for s.sc.Scan() {
		line := s.sc.Bytes()
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		ev, err := events.Decode(bytes.TrimPrefix(line, dataPrefix))
		if err != nil {
			log.Debugf("skipping undecodable frame: %v", err)
			continue
		}
		return ev, nil
	}
	if err := s.sc.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, io.EOF
}

// Close releases the underlying connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}
