package stream

import (
	"io"
	"net/http"
)

// Writer emits frames to an HTTP response, flushing after each one so the
// client sees deltas as they are produced.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	frames  int
}

func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

func (sw *Writer) WriteText(text string) error {
	if text == "" {
		return nil
	}
	return sw.write(CodeText, text)
}

func (sw *Writer) WriteError(message string) error {
	return sw.write(CodeError, message)
}

func (sw *Writer) WriteConversation(id string) error {
	return sw.write(CodeConversation, id)
}

// WriteReplyID tells the client which id the finished reply was stored under.
func (sw *Writer) WriteReplyID(id string) error {
	return sw.write(CodeReply, id)
}

// Frames returns the number of frames written so far.
func (sw *Writer) Frames() int {
	return sw.frames
}

func (sw *Writer) write(code int, payload string) error {
	if _, err := io.WriteString(sw.w, Encode(code, payload)); err != nil {
		return err
	}
	sw.frames++
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}
