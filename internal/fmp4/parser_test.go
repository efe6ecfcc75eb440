package fmp4

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// box builds a complete MP4 box with the given type and body length.
func box(boxType string, bodyLen int) []byte {
	b := make([]byte, headerSize+bodyLen)
	binary.BigEndian.PutUint32(b[:4], uint32(len(b)))
	copy(b[4:8], boxType)
	for i := headerSize; i < len(b); i++ {
		b[i] = byte(i % 251)
	}
	return b
}

func collect(t *testing.T, p *Parser, data []byte) []Box {
	t.Helper()
	var out []Box
	err := p.Feed(data, func(b Box) error {
		out = append(out, b)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestParserSlicesConcatenatedBoxes(t *testing.T) {
	p := &Parser{}

	stream := append(append(box("ftyp", 16), box("moov", 100)...), box("moof", 40)...)
	boxes := collect(t, p, stream)

	require.Len(t, boxes, 3)
	assert.Equal(t, "ftyp", boxes[0].Type)
	assert.Equal(t, "moov", boxes[1].Type)
	assert.Equal(t, "moof", boxes[2].Type)
	assert.Equal(t, 108, boxes[1].Size())
	assert.Equal(t, 0, p.Buffered())
}

func TestParserHandlesSplitBoxes(t *testing.T) {
	p := &Parser{}
	full := box("mdat", 1000)

	// Feed in awkward slices, including a cut inside the header.
	boxes := collect(t, p, full[:3])
	assert.Empty(t, boxes)
	boxes = collect(t, p, full[3:600])
	assert.Empty(t, boxes)
	boxes = collect(t, p, full[600:])

	require.Len(t, boxes, 1)
	assert.Equal(t, "mdat", boxes[0].Type)
	assert.Equal(t, full, boxes[0].Data)
	assert.Equal(t, 0, p.Buffered())
}

func TestParserEmitsInArrivalOrder(t *testing.T) {
	p := &Parser{}

	var stream []byte
	want := []string{"ftyp", "moov", "moof", "mdat", "moof", "mdat"}
	for _, typ := range want {
		stream = append(stream, box(typ, 20)...)
	}

	boxes := collect(t, p, stream)
	require.Len(t, boxes, len(want))
	for i, typ := range want {
		assert.Equal(t, typ, boxes[i].Type)
	}
}

func TestParserRejectsUndersizedBox(t *testing.T) {
	p := &Parser{}

	bad := make([]byte, headerSize)
	binary.BigEndian.PutUint32(bad[:4], 4) // below the 8-byte header
	copy(bad[4:8], "free")

	err := p.Feed(bad, func(Box) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidBox)
}

func TestParserRejectsOversizedBox(t *testing.T) {
	p := &Parser{}

	bad := make([]byte, headerSize)
	binary.BigEndian.PutUint32(bad[:4], uint32(maxBoxSize+1))
	copy(bad[4:8], "mdat")

	err := p.Feed(bad, func(Box) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidBox)
}

func TestParserCopiesBoxBytes(t *testing.T) {
	p := &Parser{}
	first := box("moof", 10)

	boxes := collect(t, p, first)
	require.Len(t, boxes, 1)
	got := boxes[0].Data

	// Later feeds must not alias earlier box slices.
	collect(t, p, box("mdat", 500))
	assert.Equal(t, first, got)
}
