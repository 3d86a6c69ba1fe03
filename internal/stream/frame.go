// Package stream implements the line-oriented frame protocol used to deliver
// chat completions from the server to clients.
//
// Each frame is written as
//
//	<code>:"<escaped payload>"\n
//
// optionally followed, before the newline, by a ",\"<n>:\"" continuation
// marker that readers ignore. Code 0 carries a text delta and code 1 an error
// notice. Once an exchange is saved, code 3 carries the id the reply was
// stored under and code 2 the id of the conversation.
package stream

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/dlclark/regexp2"
)

const (
	CodeText         = 0
	CodeError        = 1
	CodeConversation = 2
	CodeReply        = 3
)

type Kind int

const (
	KindUnknown Kind = iota
	KindText
	KindError
	KindConversation
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindError:
		return "error"
	case KindConversation:
		return "conversation"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

type Frame struct {
	Kind    Kind
	Code    int
	Payload string
}

// DecodeError describes a segment of the stream that is not a frame.
type DecodeError struct {
	Raw string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("stream: malformed frame %q", e.Raw)
}

// Result is either a decoded Frame or a DecodeError.
type Result struct {
	Frame Frame
	Err   *DecodeError
}

var (
	// The quoted payload is consumed as a whole, so a code inside it never
	// starts a new frame.
	frameRe = regexp2.MustCompile(`^([0-9]):"((?:[^"\\]|\\.)*)"(?:,"[0-9]+:")?`, regexp2.None)
	// Zero-width: the code stays with the frame that follows.
	boundaryRe = regexp2.MustCompile(`(?=[0-3]:)`, regexp2.None)

	escaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
)

func kindOf(code int) Kind {
	switch code {
	case CodeText:
		return KindText
	case CodeError:
		return KindError
	case CodeConversation:
		return KindConversation
	case CodeReply:
		return KindReply
	default:
		return KindUnknown
	}
}

// Escape encodes a payload so it fits between the frame quotes.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape reverses Escape. \" and \\ and \n are resolved left to right in a
// single pass, so an escaped backslash is never unescaped twice. Unknown
// escapes are kept verbatim.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '"':
				b.WriteByte('"')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Encode renders a single frame including its trailing newline.
func Encode(code int, payload string) string {
	return strconv.Itoa(code) + `:"` + Escape(payload) + "\"\n"
}

// ParseFrame decodes exactly one frame. Surrounding whitespace is ignored.
func ParseFrame(s string) (Frame, error) {
	runes := []rune(strings.TrimSpace(s))
	f, n, ok := matchFrame(runes)
	if !ok || n != len(runes) {
		return Frame{}, &DecodeError{Raw: s}
	}
	return f, nil
}

func matchFrame(runes []rune) (Frame, int, bool) {
	m, err := frameRe.FindRunesMatch(runes)
	if err != nil || m == nil {
		return Frame{}, 0, false
	}
	code, _ := strconv.Atoi(m.GroupByNumber(1).String())
	return Frame{
		Kind:    kindOf(code),
		Code:    code,
		Payload: Unescape(m.GroupByNumber(2).String()),
	}, m.Length, true
}

// parseLine splits one complete line into frames. A segment that does not
// match is reported and skipped up to the next frame boundary.
func parseLine(line string) []Result {
	runes := []rune(line)
	var out []Result
	pos := 0
	for pos < len(runes) {
		if unicode.IsSpace(runes[pos]) {
			pos++
			continue
		}
		if f, n, ok := matchFrame(runes[pos:]); ok {
			out = append(out, Result{Frame: f})
			pos += n
			continue
		}
		next := len(runes)
		if m, err := boundaryRe.FindRunesMatchStartingAt(runes, pos+1); err == nil && m != nil {
			next = m.Index
		}
		out = append(out, Result{Err: &DecodeError{Raw: string(runes[pos:next])}})
		pos = next
	}
	return out
}
