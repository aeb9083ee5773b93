package stream

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

type frameList struct {
	frames [][]byte
	err    error
}

func (f *frameList) Recv() ([]byte, error) {
	if len(f.frames) == 0 {
		if f.err != nil {
			return nil, f.err
		}
		return nil, io.EOF
	}
	b := f.frames[0]
	f.frames = f.frames[1:]
	return b, nil
}

func TestGenerationResponseWireFormat(t *testing.T) {
	in := &GenerationResponse{
		GeneratedTokenCount: 7,
		Text:                "foo",
		StopReason:          StopSequence,
		StopSequence:        "\n\n",
		Seed:                42,
	}
	b := in.Marshal()
	// unknown fields are skipped
	b = protowire.AppendTag(b, 8, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{1, 2, 3})

	out, err := UnmarshalGenerationResponse(b)
	require.NoError(t, err)
	assert.Equal(t, in.GeneratedTokenCount, out.GeneratedTokenCount)
	assert.Equal(t, in.Text, out.Text)
	assert.Equal(t, in.StopReason, out.StopReason)
	assert.Equal(t, in.StopSequence, out.StopSequence)
	assert.Equal(t, in.Seed, out.Seed)
	assert.False(t, out.hasInputTokenCount)

	_, err = UnmarshalGenerationResponse([]byte{0x22, 0x10, 'a'})
	assert.Error(t, err)
}

func TestGenerationDecoderDiscardsFirstFrame(t *testing.T) {
	closed := 0
	frames := &frameList{frames: [][]byte{
		(&GenerationResponse{InputTokenCount: 5}).Marshal(),
		(&GenerationResponse{GeneratedTokenCount: 1, Text: "a"}).Marshal(),
		(&GenerationResponse{GeneratedTokenCount: 2, Text: "b", StopReason: StopSequence, StopSequence: "b"}).Marshal(),
	}}
	d := NewGenerationDecoder(frames, func() { closed++ })
	events, end := drain(t, d)
	require.Len(t, events, 2)
	assert.Nil(t, events[0].Event.FinishReason)
	require.NotNil(t, events[1].Event.FinishReason)
	assert.Equal(t, "STOP_SEQUENCE", *events[1].Event.FinishReason)
	assert.Equal(t, "b", events[1].Event.StopReason)
	assert.ErrorIs(t, end.Err, ErrEndOfStream)
	assert.ErrorIs(t, d.Next().Err, ErrEndOfStream)
	require.NoError(t, d.Close())
	assert.Equal(t, 1, closed)
}

func TestGenerationDecoderTransportError(t *testing.T) {
	unavailable := errors.New("unavailable")
	frames := &frameList{
		frames: [][]byte{
			(&GenerationResponse{InputTokenCount: 5}).Marshal(),
			(&GenerationResponse{GeneratedTokenCount: 1, Text: "a"}).Marshal(),
		},
		err: unavailable,
	}
	d := NewGenerationDecoder(frames, nil)
	assert.True(t, d.Next().OK)
	res := d.Next()
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, unavailable)
	assert.ErrorIs(t, d.Next().Err, ErrEndOfStream)
}

func TestGenerationRequestMarshal(t *testing.T) {
	req := GenerationRequest{
		ModelID: "flan-t5",
		Request: GenerationInput{Text: "hello"},
		Params: GenerationParams{
			Method:              "SAMPLE",
			Sampling:            SamplingParams{Temperature: 0.5, TopK: 10, Seed: 42},
			Stopping:            StoppingCriteria{MaxNewTokens: 20, MinNewTokens: 20},
			TruncateInputTokens: 100,
		},
	}
	b, err := req.Marshal()
	require.NoError(t, err)

	seen := map[protowire.Number]bool{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.GreaterOrEqual(t, n, 0)
		b = b[n:]
		seen[num] = true
		n = protowire.ConsumeFieldValue(num, typ, b)
		require.GreaterOrEqual(t, n, 0)
		b = b[n:]
	}
	assert.Equal(t, map[protowire.Number]bool{1: true, 3: true, 10: true}, seen)

	req.Params.Method = "BEAM"
	_, err = req.Marshal()
	assert.Error(t, err)
}
