// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStream = "event: start\n" +
	"data: {\"id\":\"q-1\",\"query\":\"Comment fonctionne l'amortissement dégressif ?\",\"timestamp\":1700000000}\n" +
	"\n" +
	"event: progress\n" +
	"data: {\"status\":\"retrieving\",\"completion\":0.1}\n" +
	"\n" +
	": keep-alive comment\n" +
	"event: chunk\n" +
	"data: {\"text\":\"Le \",\"completion\":0.4}\n" +
	"\n" +
	"data: {\"text\":\"mode dégressif \",\"completion\":0.6}\n" +
	"\n" +
	"event: chunk\r\n" +
	"data: {\"text\":\"consiste...\",\"completion\":0.8}\r\n" +
	"\r\n" +
	"event: complete\n" +
	"data: {\"id\":\"q-1\",\"answer\":\"Le mode dégressif consiste à appliquer un taux constant...\"}\n"

func parseAll(chunks ...[]byte) []Frame {
	p := NewParser()
	var frames []Frame
	for _, c := range chunks {
		frames = append(frames, p.Feed(c)...)
	}
	return append(frames, p.Close()...)
}

func TestParser_SampleStream(t *testing.T) {
	frames := parseAll([]byte(sampleStream))

	require.Len(t, frames, 6)
	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	assert.Equal(t, []string{"start", "progress", "chunk", "chunk", "chunk", "complete"}, types)
	assert.Equal(t, `{"text":"mode dégressif ","completion":0.6}`, frames[3].Data)
	assert.Equal(t, `{"text":"consiste...","completion":0.8}`, frames[4].Data)
}

// Every split point of the same logical text must yield the same frames.
func TestParser_ChunkBoundaryInvariance(t *testing.T) {
	raw := []byte(sampleStream)
	want := parseAll(raw)

	for i := 0; i <= len(raw); i++ {
		got := parseAll(raw[:i], raw[i:])
		require.Equal(t, want, got, "split at byte %d", i)
	}

	for i := 1; i < len(raw); i++ {
		for j := i + 1; j < len(raw); j += 7 {
			got := parseAll(raw[:i], raw[i:j], raw[j:])
			require.Equal(t, want, got, "split at bytes %d/%d", i, j)
		}
	}
}

func TestParser_ByteAtATime(t *testing.T) {
	raw := []byte(sampleStream)
	chunks := make([][]byte, len(raw))
	for i := range raw {
		chunks[i] = raw[i : i+1]
	}
	assert.Equal(t, parseAll(raw), parseAll(chunks...))
}

func TestParser_EventWithoutDataIsNotAFrame(t *testing.T) {
	frames := parseAll([]byte("event: progress\n\nevent: chunk\n\n"))
	assert.Empty(t, frames)
}

func TestParser_DataWithoutEventUsesLastType(t *testing.T) {
	frames := parseAll([]byte("event: chunk\ndata: {\"text\":\"a\"}\n\ndata: {\"text\":\"b\"}\n\n"))
	require.Len(t, frames, 2)
	assert.Equal(t, "chunk", frames[1].Type)
}

func TestParser_NoTypeEverSeen(t *testing.T) {
	frames := parseAll([]byte("data: {\"text\":\"a\",\"completion\":0.5}\n\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "", frames[0].Type)
}

func TestParser_PrefixStripping(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"one space", "data: {}", "{}"},
		{"no space", "data:{}", "{}"},
		{"two spaces keeps one", "data:  {}", " {}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := parseAll([]byte("event: x\n" + tt.line + "\n\n"))
			require.Len(t, frames, 1)
			assert.Equal(t, tt.want, frames[0].Data)
		})
	}
}

func TestParser_FlushOnClose(t *testing.T) {
	p := NewParser()
	assert.Empty(t, p.Feed([]byte("event: complete\ndata: {\"answer\":\"x\"}")))

	frames := p.Close()
	require.Len(t, frames, 1)
	assert.Equal(t, "complete", frames[0].Type)

	// Closed parsers are not restartable.
	assert.Nil(t, p.Feed([]byte("event: chunk\ndata: {}\n\n")))
	assert.Nil(t, p.Close())
}

func TestParser_OversizedLineIsDropped(t *testing.T) {
	p := NewParser()
	big := strings.Repeat("x", MaxLineSize+10)
	var frames []Frame
	frames = append(frames, p.Feed([]byte("event: chunk\ndata: "+big[:MaxLineSize/2]))...)
	frames = append(frames, p.Feed([]byte(big[MaxLineSize/2:]+"\n"))...)
	frames = append(frames, p.Feed([]byte("data: {\"text\":\"ok\"}\n\n"))...)

	require.Len(t, frames, 1)
	assert.Equal(t, `{"text":"ok"}`, frames[0].Data)
}

func TestDecodeJSON_Malformed(t *testing.T) {
	var v map[string]any
	err := DecodeJSON(Frame{Type: "chunk", Data: "{not json"}, &v)

	var mf *MalformedFrameError
	require.True(t, errors.As(err, &mf))
	assert.Equal(t, "chunk", mf.Type)
	assert.Equal(t, "{not json", mf.Raw)
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestReader_Sequence(t *testing.T) {
	r := NewReader(strings.NewReader(sampleStream))
	var n int
	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 6, n)

	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_ErrorAfterFrames(t *testing.T) {
	boom := errors.New("connection reset")
	r := NewReader(&failingReader{
		data: []byte("event: chunk\ndata: {\"text\":\"a\"}\n\nevent: chunk\ndata: {\"te"),
		err:  boom,
	})

	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "chunk", f.Type)

	_, err = r.Next()
	assert.ErrorIs(t, err, boom)
}
