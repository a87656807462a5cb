package wire

import "fmt"

// Block size limits (RFC 7959 section 2.2).
const (
	MinBlockSize = 16
	MaxBlockSize = 1024

	// maxSZX is the largest valid size exponent; 7 is reserved (BERT).
	maxSZX = 6
)

// Block is a decoded Block1 or Block2 option value.
type Block struct {
	// Num is the block number.
	Num uint32

	// More is set when further blocks follow.
	More bool

	// SZX is the size exponent; the block size is 2^(SZX+4).
	SZX uint8
}

// Size returns the block size in bytes.
func (b Block) Size() int {
	return 1 << (b.SZX + 4)
}

// Offset returns the byte offset of the block within the body.
func (b Block) Offset() int {
	return int(b.Num) * b.Size()
}

// String returns the block in the conventional NUM/M/SIZE notation.
func (b Block) String() string {
	more := 0
	if b.More {
		more = 1
	}
	return fmt.Sprintf("%d/%d/%d", b.Num, more, b.Size())
}

// Encode returns the option value bytes.
func (b Block) Encode() []byte {
	v := b.Num<<4 | uint32(b.SZX&0x7)
	if b.More {
		v |= 0x8
	}
	return EncodeUint(v)
}

// DecodeBlock decodes a Block1/Block2 option value.
func DecodeBlock(v []byte) (Block, error) {
	if len(v) > 3 {
		return Block{}, fmt.Errorf("%w: block option length %d", ErrMalformed, len(v))
	}
	u := DecodeUint(v)
	b := Block{
		Num:  u >> 4,
		More: u&0x8 != 0,
		SZX:  uint8(u & 0x7),
	}
	if b.SZX > maxSZX {
		return Block{}, fmt.Errorf("%w: unsupported block SZX %d", ErrMalformed, b.SZX)
	}
	return b, nil
}

// BlockSizeToSZX converts a block size to its exponent. The size must be a
// power of two between MinBlockSize and MaxBlockSize.
func BlockSizeToSZX(size int) (uint8, error) {
	for szx := uint8(0); szx <= maxSZX; szx++ {
		if 1<<(szx+4) == size {
			return szx, nil
		}
	}
	return 0, fmt.Errorf("invalid block size %d: must be a power of two in [%d,%d]",
		size, MinBlockSize, MaxBlockSize)
}

// Fragment returns block num of body for the given exponent, and the Block
// option describing it. ok is false when num lies beyond the body.
func Fragment(body []byte, num uint32, szx uint8) (chunk []byte, blk Block, ok bool) {
	blk = Block{Num: num, SZX: szx}
	start := blk.Offset()
	if start > len(body) || (start == len(body) && len(body) > 0) {
		return nil, blk, false
	}
	end := start + blk.Size()
	if end < len(body) {
		blk.More = true
	} else {
		end = len(body)
	}
	return body[start:end], blk, true
}
