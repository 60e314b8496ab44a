package qr

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	for i := 0; i < 5; i++ {
		id := uuid.New().String()

		img, err := Encode(id, DefaultSize)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(img, []byte("\x89PNG")), "expected PNG signature")

		got, err := DecodeBytes(img)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestEncode_DefaultSize(t *testing.T) {
	img, err := Encode("hello", 0)
	require.NoError(t, err)

	cfg, err := png.DecodeConfig(bytes.NewReader(img))
	require.NoError(t, err)
	assert.Equal(t, DefaultSize, cfg.Width)
	assert.Equal(t, DefaultSize, cfg.Height)
}

func TestEncode_EmptyContent(t *testing.T) {
	_, err := Encode("", DefaultSize)
	assert.Error(t, err)
}

func TestDecode_NotAnImage(t *testing.T) {
	_, err := DecodeBytes([]byte("definitely not a png"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoCode))
}

func TestDecode_BlankImage(t *testing.T) {
	blank := image.NewGray(image.Rect(0, 0, 120, 120))
	for i := range blank.Pix {
		blank.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, blank))

	_, err := DecodeBytes(buf.Bytes())
	assert.ErrorIs(t, err, ErrNoCode)
}
