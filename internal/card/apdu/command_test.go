package apdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardreader/internal/card/models"
)

func TestParseHex(t *testing.T) {
	b, err := ParseHex("80 B0 00 04 02 00 0D")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0xB0, 0x00, 0x04, 0x02, 0x00, 0x0D}, b)

	_, err = ParseHex("80B0")
	assert.Error(t, err)
	_, err = ParseHex("zz")
	assert.Error(t, err)
}

func TestWithLength(t *testing.T) {
	cmd := []byte{0x80, 0xB0, 0x00, 0x04, 0x02, 0x00, 0x0D}
	assert.Equal(t, []byte{0x80, 0xB0, 0x00, 0x04, 0x02, 0x00, 0x10}, WithLength(cmd, 0x10))
	assert.Equal(t, byte(0x0D), cmd[6], "original command must not change")
	assert.Equal(t, []byte{0x00, 0xB0, 0x00, 0x00, 0x20}, WithLength([]byte{0x00, 0xB0, 0x00, 0x00}, 0x20))
}

func TestPhotoChunkMatchesCardLayout(t *testing.T) {
	spec := models.PhotoSpec{Command: []byte{0x80, 0xB0}, StartOffset: 0x017B, ChunkSize: 0xFF, TotalLength: 20 * 0xFF}
	assert.Equal(t, "80B0017B0200FF", Hex(PhotoChunk(spec, spec.StartOffset, 0xFF)))
	assert.Equal(t, "80B0027A0200FF", Hex(PhotoChunk(spec, spec.StartOffset+0xFF, 0xFF)))
	assert.Equal(t, "80B014680200FF", Hex(PhotoChunk(spec, spec.StartOffset+19*0xFF, 0xFF)))
}

func TestStatusWordMeaning(t *testing.T) {
	assert.Equal(t, "success", StatusWord{0x90, 0x00}.Meaning())
	assert.Equal(t, "file not found", StatusWord{0x6A, 0x82}.Meaning())
	assert.Equal(t, "counter verification", StatusWord{0x63, 0xC3}.Meaning())
	assert.Equal(t, "unknown status", StatusWord{0x90, 0x01}.Meaning())
	assert.Equal(t, "6982 (security status not satisfied)", StatusWord{0x69, 0x82}.String())
}
