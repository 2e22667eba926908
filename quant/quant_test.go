package quant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat32RoundTrip(t *testing.T) {
	c := Float32{}
	v := []float32{1.5, -0.25, 3e8, 0}

	enc := c.Encode(nil, v)
	require.Len(t, enc, c.EncodedSize(len(v)))

	dec, err := c.Decode(enc, len(v))
	require.NoError(t, err)
	assert.Equal(t, v, dec)
}

func TestFloat32DecodeShortPayload(t *testing.T) {
	_, err := Float32{}.Decode([]byte{1, 2, 3}, 2)
	require.Error(t, err)
}

func TestLookup(t *testing.T) {
	c, err := Lookup(CodecFloat32)
	require.NoError(t, err)
	assert.Equal(t, CodecFloat32, c.ID())

	_, err = Lookup(200)
	require.Error(t, err)
}

type fakeCodec struct{ Float32 }

func (fakeCodec) ID() uint8 { return 250 }

func TestRegisterDuplicatePanics(t *testing.T) {
	Register(fakeCodec{})
	assert.Panics(t, func() { Register(fakeCodec{}) })
}
