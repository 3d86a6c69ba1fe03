package stream

import (
	"errors"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

const readBufferSize = 4096

// Decoder turns arbitrarily fragmented text into frames. A frame is only
// decoded once the newline ending its line has arrived; everything after the
// last newline is carried over to the next Feed.
type Decoder struct {
	carry string
}

// Feed appends text and returns the frames completed by it.
func (d *Decoder) Feed(text string) []Result {
	d.carry += text
	idx := strings.LastIndexByte(d.carry, '\n')
	if idx < 0 {
		return nil
	}
	complete := d.carry[:idx]
	d.carry = d.carry[idx+1:]

	var out []Result
	for _, line := range strings.Split(complete, "\n") {
		out = append(out, parseLine(line)...)
	}
	return out
}

// Flush decodes whatever is left once the stream has ended.
func (d *Decoder) Flush() []Result {
	rest := d.carry
	d.carry = ""
	return parseLine(rest)
}

// Pending returns the text held back waiting for more input.
func (d *Decoder) Pending() string {
	return d.carry
}

// Handler receives decoder events. Nil callbacks are skipped.
type Handler struct {
	// OnChunk receives the unescaped payload of every text frame.
	OnChunk func(text string)
	// OnFrame receives every non-text frame.
	OnFrame func(f Frame)
	// OnMalformed receives segments that are not frames.
	OnMalformed func(err *DecodeError)
	OnDone      func()
	OnError     func(err error)
}

func (h Handler) dispatch(results []Result) {
	for _, r := range results {
		switch {
		case r.Err != nil:
			if h.OnMalformed != nil {
				h.OnMalformed(r.Err)
			}
		case r.Frame.Kind == KindText:
			if h.OnChunk != nil {
				h.OnChunk(r.Frame.Payload)
			}
		default:
			if h.OnFrame != nil {
				h.OnFrame(r.Frame)
			}
		}
	}
}

// Read consumes r until EOF or a read error. On EOF the remaining text is
// flushed and OnDone fires; on any other error OnError fires and nothing more
// is decoded. Chunks already delivered are never retracted.
func Read(r io.Reader, h Handler) {
	// Invalid byte sequences become U+FFFD here, so the frame parser only
	// sees valid text. Characters split across reads are rejoined by the
	// line carry in Feed.
	text := unicode.UTF8.NewDecoder().Reader(r)

	var d Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := text.Read(buf)
		if n > 0 {
			h.dispatch(d.Feed(string(buf[:n])))
		}
		if errors.Is(err, io.EOF) {
			h.dispatch(d.Flush())
			if h.OnDone != nil {
				h.OnDone()
			}
			return
		}
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			return
		}
	}
}
