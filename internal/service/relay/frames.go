package relay

import (
	"bufio"
	"io"
	"strings"
)

const doneSentinel = "[DONE]"

// Frames can carry a whole serialized document, well past the default
// bufio.Scanner limit.
const (
	frameBufferSize = 64 * 1024
	frameSizeLimit  = 1024 * 1024
)

// frameScanner yields payload lines from a chunked upstream body. It
// understands both framings the engine produces: SSE "data:" frames and
// bare JSON lines. SSE bookkeeping lines are skipped, the "[DONE]" sentinel
// ends the stream and is never surfaced.
type frameScanner struct {
	s *bufio.Scanner
}

func newFrameScanner(r io.Reader) *frameScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, frameBufferSize), frameSizeLimit)
	return &frameScanner{s: s}
}

// Next returns the next payload. io.EOF means the stream is over, any other
// error means the transport broke mid-stream.
func (f *frameScanner) Next() (string, error) {
	for f.s.Scan() {
		line := strings.TrimSpace(f.s.Text())

		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, ":"):
			// SSE comment, usually a keep-alive ping
			continue
		case strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "retry:"):
			continue
		}

		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			line = strings.TrimSpace(rest)
			if line == "" {
				continue
			}
		}
		if line == doneSentinel {
			return "", io.EOF
		}

		return line, nil
	}

	if err := f.s.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
