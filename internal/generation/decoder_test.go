package generation

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAllLines(t *testing.T, d *LineDecoder) []string {
	t.Helper()
	var lines []string
	for {
		line, err := d.Next(context.Background())
		if err == io.EOF {
			return lines
		}
		require.NoError(t, err)
		lines = append(lines, line)
	}
}

// chunkReader returns one predefined chunk per Read call.
type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestLineDecoder_SplitsLines(t *testing.T) {
	body := "data: one\n\ndata: two\r\ndata: three\n"
	d := NewLineDecoder(strings.NewReader(body))
	assert.Equal(t, []string{"data: one", "", "data: two", "data: three"}, readAllLines(t, d))
}

func TestLineDecoder_LinesSpanReads(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\ndata: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n"
	d := NewLineDecoder(iotest.OneByteReader(strings.NewReader(body)))
	lines := readAllLines(t, d)
	require.Len(t, lines, 2)
	assert.Equal(t, DeltaContent, ParseLine(lines[0]).Kind)
	assert.Equal(t, "lo", ParseLine(lines[1]).Text)
}

func TestLineDecoder_MultiByteRuneSplitAcrossReads(t *testing.T) {
	// "§ 2. Définitions — 条" contains 2-, 3- and 3-byte sequences.
	text := "§ 2. Définitions — 条"
	raw := []byte("data: " + text + "\n")

	for split := 1; split < len(raw); split++ {
		r := &chunkReader{chunks: [][]byte{
			append([]byte(nil), raw[:split]...),
			append([]byte(nil), raw[split:]...),
		}}
		d := NewLineDecoder(r)
		lines := readAllLines(t, d)
		require.Len(t, lines, 1, "split at %d", split)
		assert.Equal(t, "data: "+text, lines[0], "split at %d", split)
	}
}

func TestLineDecoder_OneByteReadsPreserveUTF8(t *testing.T) {
	text := "Résumé of H.R. 1 — “For the People”"
	d := NewLineDecoder(iotest.OneByteReader(strings.NewReader(text + "\n")))
	assert.Equal(t, []string{text}, readAllLines(t, d))
}

func TestLineDecoder_InvalidBytesReplaced(t *testing.T) {
	d := NewLineDecoder(strings.NewReader("ab\xffcd\n"))
	assert.Equal(t, []string{"ab�cd"}, readAllLines(t, d))
}

func TestLineDecoder_TrailingPartialLineDropped(t *testing.T) {
	d := NewLineDecoder(strings.NewReader("data: kept\ndata: dropped"))
	assert.Equal(t, []string{"data: kept"}, readAllLines(t, d))
}

func TestLineDecoder_TrailingLineFlush(t *testing.T) {
	d := NewLineDecoder(strings.NewReader("data: kept\ndata: tail\r"), WithTrailingLineFlush())
	assert.Equal(t, []string{"data: kept", "data: tail"}, readAllLines(t, d))
}

func TestLineDecoder_ReadError(t *testing.T) {
	boom := errors.New("connection reset")
	d := NewLineDecoder(iotest.ErrReader(boom))
	_, err := d.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestLineDecoder_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewLineDecoder(strings.NewReader("data: x\n"))
	_, err := d.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLineDecoder_ReadSize(t *testing.T) {
	d := NewLineDecoder(strings.NewReader("a\nb\nc\n"), WithReadSize(1))
	assert.Len(t, d.buf, 1)
	assert.Equal(t, []string{"a", "b", "c"}, readAllLines(t, d))
}

func TestIncompleteSuffix(t *testing.T) {
	euro := []byte("€") // 3 bytes
	tests := []struct {
		name string
		in   []byte
		want int
	}{
		{"empty", nil, 0},
		{"ascii", []byte("abc"), 3},
		{"complete rune", append([]byte("a"), euro...), 4},
		{"one of three", append([]byte("a"), euro[:1]...), 1},
		{"two of three", append([]byte("a"), euro[:2]...), 1},
		{"stray continuation", []byte{'a', 0x80}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, incompleteSuffix(tt.in))
		})
	}
}
