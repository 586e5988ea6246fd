package stream

import (
	"bufio"
	"bytes"
	"io"
)

// maxFrameSize bounds a single frame; full-text snapshots of long reviews can be large
const maxFrameSize = 4 * 1024 * 1024

// FrameReader splits an event stream into frame payloads.
//
// It understands the text/event-stream layout (data: lines terminated by a blank
// line, ':' comments, event/id/retry fields) and plain newline-delimited JSON.
type FrameReader struct {
	scanner *bufio.Scanner
	data    [][]byte
}

// NewFrameReader wraps r
func NewFrameReader(r io.Reader) *FrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &FrameReader{scanner: scanner}
}

// Next returns the next frame payload, or io.EOF when the stream ends cleanly
func (fr *FrameReader) Next() ([]byte, error) {
	for fr.scanner.Scan() {
		line := bytes.TrimRight(fr.scanner.Bytes(), "\r")

		if len(line) == 0 {
			if len(fr.data) > 0 {
				return fr.flush(), nil
			}
			continue
		}

		switch {
		case line[0] == ':':
			continue
		case bytes.HasPrefix(line, []byte("data:")):
			value := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
			fr.data = append(fr.data, append([]byte(nil), value...))
		case bytes.HasPrefix(line, []byte("event:")),
			bytes.HasPrefix(line, []byte("id:")),
			bytes.HasPrefix(line, []byte("retry:")):
			continue
		default:
			// newline-delimited JSON frame
			if len(fr.data) > 0 {
				pending := fr.flush()
				fr.data = append(fr.data, append([]byte(nil), line...))
				return pending, nil
			}
			return append([]byte(nil), line...), nil
		}
	}

	if err := fr.scanner.Err(); err != nil {
		return nil, err
	}
	if len(fr.data) > 0 {
		return fr.flush(), nil
	}
	return nil, io.EOF
}

func (fr *FrameReader) flush() []byte {
	payload := bytes.Join(fr.data, []byte("\n"))
	fr.data = nil
	return payload
}
