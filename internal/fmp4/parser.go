// Package fmp4 parses the encoder's fragmented-MP4 output into complete
// boxes and classifies them for the init cache, the fan-out hub, and the
// snapshot picker.
package fmp4

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerSize = 8
	// maxBoxSize is a sanity cap; a declared size beyond it means the
	// stream is corrupt, not that a fragment is genuinely this large.
	maxBoxSize = 64 << 20
)

// Box types this pipeline cares about. Bodies are never inspected.
const (
	TypeFtyp = "ftyp"
	TypeMoov = "moov"
	TypeMoof = "moof"
	TypeMdat = "mdat"
)

// ErrInvalidBox is returned when the stream is not a valid concatenation
// of MP4 boxes. It is fatal for the session.
var ErrInvalidBox = errors.New("invalid mp4 box")

// Box is one complete MP4 box. Data holds the full box bytes including
// the 8-byte header and is owned by the receiver.
type Box struct {
	Type string
	Data []byte
}

// Size returns the total box size in bytes.
func (b Box) Size() int {
	return len(b.Data)
}

// Parser converts a byte stream into complete boxes. It maintains an
// append-only buffer and slices a box off the front whenever the declared
// size is fully buffered.
type Parser struct {
	buf []byte
}

// Feed appends data and emits every complete box. A box declaring a size
// below the 8-byte header or beyond the sanity cap yields ErrInvalidBox;
// the caller must treat that as the end of the session.
func (p *Parser) Feed(data []byte, emit func(Box) error) error {
	p.buf = append(p.buf, data...)

	consumed := 0
	for {
		remaining := p.buf[consumed:]
		if len(remaining) < headerSize {
			break
		}

		size := int(binary.BigEndian.Uint32(remaining[:4]))
		boxType := string(remaining[4:8])

		if size < headerSize || size > maxBoxSize {
			return fmt.Errorf("%w: type %q declares size %d", ErrInvalidBox, boxType, size)
		}
		if len(remaining) < size {
			break
		}

		// Copy: the parser buffer is recycled across Feed calls while
		// consumers hold on to box bytes.
		body := make([]byte, size)
		copy(body, remaining[:size])
		if err := emit(Box{Type: boxType, Data: body}); err != nil {
			return err
		}
		consumed += size
	}

	if consumed > 0 {
		p.buf = append(p.buf[:0], p.buf[consumed:]...)
	}
	return nil
}

// Buffered returns the number of bytes held for an incomplete box.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Reset discards any buffered partial box.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
}
