package stream

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

// splitReader returns data in pieces cut at the given byte offsets.
type splitReader struct {
	data []byte
	cuts []int
	pos  int
	err  error
}

func (r *splitReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	end := len(r.data)
	for len(r.cuts) > 0 {
		c := r.cuts[0]
		r.cuts = r.cuts[1:]
		if c > r.pos {
			end = c
			break
		}
	}
	if end > len(r.data) {
		end = len(r.data)
	}
	if end-r.pos > len(p) {
		end = r.pos + len(p)
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

type collected struct {
	chunks    []string
	frames    []Frame
	malformed []string
	done      bool
	err       error
}

func (c *collected) handler() Handler {
	return Handler{
		OnChunk:     func(text string) { c.chunks = append(c.chunks, text) },
		OnFrame:     func(f Frame) { c.frames = append(c.frames, f) },
		OnMalformed: func(err *DecodeError) { c.malformed = append(c.malformed, err.Raw) },
		OnDone:      func() { c.done = true },
		OnError:     func(err error) { c.err = err },
	}
}

func encodeAll(parts ...string) []byte {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(Encode(CodeText, p))
	}
	return []byte(b.String())
}

func TestUnescapeOrder(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{in: `plain`, want: "plain"},
		{in: `say \"amen\"`, want: `say "amen"`},
		{in: `back\\slash`, want: `back\slash`},
		{in: `\\\"`, want: `\"`},
		{in: `line\nbreak`, want: "line\nbreak"},
		{in: `\\n`, want: `\n`},
		{in: `tab\t`, want: `tab\t`},
		{in: `trailing\`, want: `trailing\`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			require.Equal(t, tt.want, Unescape(tt.in))
		})
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	payloads := []string{
		"",
		`He said "peace be with you"`,
		`C:\Psalms\23`,
		"first line\nsecond line\n",
		`literal \n is not a newline`,
		`\"already escaped\"`,
		"Step 1: pray, step 2: rest",
		"🙏 grace — “hope” ü",
	}
	for _, p := range payloads {
		f, err := ParseFrame(Encode(CodeText, p))
		require.NoError(t, err)
		require.Equal(t, KindText, f.Kind)
		require.Equal(t, p, f.Payload)
		require.NotContains(t, Escape(p), "\n")
	}
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame(`0:"Hi"`)
	require.NoError(t, err)
	require.Equal(t, Frame{Kind: KindText, Code: 0, Payload: "Hi"}, f)

	f, err = ParseFrame(`0:"Hi","1:"`)
	require.NoError(t, err, "continuation marker is ignored")
	require.Equal(t, "Hi", f.Payload)

	f, err = ParseFrame(`2:"conv-1"`)
	require.NoError(t, err)
	require.Equal(t, KindConversation, f.Kind)

	f, err = ParseFrame(`3:"msg-9"`)
	require.NoError(t, err)
	require.Equal(t, Frame{Kind: KindReply, Code: CodeReply, Payload: "msg-9"}, f)

	f, err = ParseFrame(`1:"provider failed"`)
	require.NoError(t, err)
	require.Equal(t, KindError, f.Kind)

	f, err = ParseFrame(`7:"future"`)
	require.NoError(t, err)
	require.Equal(t, KindUnknown, f.Kind)

	for _, bad := range []string{``, `0:Hi`, `0:"unterminated`, `x:"Hi"`, `0:"Hi" trailing`} {
		_, err := ParseFrame(bad)
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr, bad)
	}
}

func TestDecoderHoldsPartialFrames(t *testing.T) {
	var d Decoder
	require.Empty(t, d.Feed(`0:"Hel`))
	require.Equal(t, `0:"Hel`, d.Pending())

	res := d.Feed("lo\"\n0:\"a\\")
	require.Len(t, res, 1)
	require.Equal(t, "Hello", res[0].Frame.Payload)

	// The escape sequence was split between reads.
	res = d.Feed("\"b\"\n")
	require.Len(t, res, 1)
	require.Equal(t, `a"b`, res[0].Frame.Payload)
	require.Empty(t, d.Pending())
}

func TestDecoderCodesInsidePayload(t *testing.T) {
	var d Decoder
	res := d.Feed(Encode(CodeText, `Psalm 1:"2" 0:3`))
	require.Len(t, res, 1)
	require.Nil(t, res[0].Err)
	require.Equal(t, `Psalm 1:"2" 0:3`, res[0].Frame.Payload)
}

func TestDecoderSeveralFramesOnOneLine(t *testing.T) {
	var d Decoder
	res := d.Feed(`0:"a"0:"b","0:" 2:"c1"` + "\n")
	require.Len(t, res, 3)
	require.Equal(t, "a", res[0].Frame.Payload)
	require.Equal(t, "b", res[1].Frame.Payload)
	require.Equal(t, Frame{Kind: KindConversation, Code: 2, Payload: "c1"}, res[2].Frame)
}

func TestDecoderSkipsMalformedSegments(t *testing.T) {
	var c collected
	Read(strings.NewReader("garbage\nxx0:\"ok\"\n{\"json\":true}\n0:\"fine\"\n"), c.handler())

	require.True(t, c.done)
	require.Equal(t, []string{"ok", "fine"}, c.chunks)
	require.Equal(t, []string{"garbage", "xx", `{"json":true}`}, c.malformed)
}

func TestReadFlushesTrailingFrame(t *testing.T) {
	var c collected
	Read(strings.NewReader(`0:"no newline"`), c.handler())
	require.True(t, c.done)
	require.Equal(t, []string{"no newline"}, c.chunks)
}

func TestReadDeliversNonTextFrames(t *testing.T) {
	var c collected
	Read(strings.NewReader(Encode(CodeText, "x")+Encode(CodeConversation, "abc")), c.handler())
	require.Equal(t, []string{"x"}, c.chunks)
	require.Equal(t, []Frame{{Kind: KindConversation, Code: 2, Payload: "abc"}}, c.frames)
}

func TestReadFramingInvariance(t *testing.T) {
	parts := []string{"In the beginning ", "was the \"Word\",\n", `and the \ Word `, "was with God 🙏", " — Jn 1:1", ""}
	want := strings.Join(parts, "")
	data := encodeAll(parts...)

	check := func(t *testing.T, r io.Reader) {
		t.Helper()
		var c collected
		Read(r, c.handler())
		require.True(t, c.done)
		require.NoError(t, c.err)
		require.Empty(t, c.malformed)
		require.Equal(t, want, strings.Join(c.chunks, ""))
	}

	t.Run("one byte at a time", func(t *testing.T) {
		check(t, iotest.OneByteReader(bytes.NewReader(data)))
	})

	t.Run("every single cut", func(t *testing.T) {
		for cut := 1; cut < len(data); cut++ {
			check(t, &splitReader{data: data, cuts: []int{cut}})
		}
	})

	t.Run("random cuts", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 200; i++ {
			var cuts []int
			for pos := 0; pos < len(data); {
				pos += 1 + rng.Intn(9)
				cuts = append(cuts, pos)
			}
			check(t, &splitReader{data: data, cuts: cuts})
		}
	})
}

func TestReadStopsOnTransportError(t *testing.T) {
	boom := errors.New("connection reset")
	data := encodeAll("Par", "tial")
	cut := len(Encode(CodeText, "Par")) + 3

	var c collected
	Read(&splitReader{data: data[:cut], cuts: []int{4}, err: boom}, c.handler())

	require.False(t, c.done)
	require.ErrorIs(t, c.err, boom)
	require.Equal(t, []string{"Par"}, c.chunks)
}

func TestWriterFlushesEachFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	require.NoError(t, w.WriteText("Hi"))
	require.NoError(t, w.WriteText(""))
	require.NoError(t, w.WriteText(" there"))
	require.NoError(t, w.WriteReplyID("m1"))
	require.NoError(t, w.WriteConversation("c1"))
	require.NoError(t, w.WriteError("oops"))

	require.True(t, rec.Flushed)
	require.Equal(t, 5, w.Frames())
	require.Equal(t, "0:\"Hi\"\n0:\" there\"\n3:\"m1\"\n2:\"c1\"\n1:\"oops\"\n", rec.Body.String())
}

func TestDecoderResyncsBeforeReplyFrame(t *testing.T) {
	var d Decoder
	res := d.Feed(`garbage3:"m1"` + "\n")
	require.Len(t, res, 2)
	require.NotNil(t, res[0].Err)
	require.Equal(t, "garbage", res[0].Err.Raw)
	require.Equal(t, Frame{Kind: KindReply, Code: CodeReply, Payload: "m1"}, res[1].Frame)
}

func TestReadReplacesInvalidUTF8(t *testing.T) {
	c := &collected{}
	Read(strings.NewReader("0:\"a\xffb\"\n"), c.handler())
	require.Equal(t, []string{"a\uFFFDb"}, c.chunks)
	require.Empty(t, c.malformed)
}
