package carutil

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
)

var ErrHeaderMismatch = errors.New("invalid CAR header")

var ErrTruncatedFrame = errors.New("truncated CAR frame")

const MaxAllowedSectionSize = 32 << 20

// Streaming reader over a CAR v1 file. Each block's bytes are checked against its CID as it is read.
type Reader struct {
	r     *bufio.Reader
	Roots []cid.Cid
}

func NewReader(r io.Reader) (*Reader, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	h, err := car.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHeaderMismatch, err)
	}

	if h.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported version: %d", ErrHeaderMismatch, h.Version)
	}

	if len(h.Roots) < 1 {
		return nil, fmt.Errorf("%w: no roots", ErrHeaderMismatch)
	}

	return &Reader{
		r:     br,
		Roots: h.Roots,
	}, nil
}

// Returns the next block, or io.EOF once the input is exhausted.
func (r *Reader) Next() (blocks.Block, error) {
	data, err := ldRead(r.r)
	if err != nil {
		return nil, err
	}

	n, c, err := cid.CidFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid CID: %w", ErrTruncatedFrame, err)
	}

	blk := NewBlockWithCid(data[n:], data, c)
	if err := blockstore.VerifyBlock(blk); err != nil {
		return nil, err
	}
	carBlocksRead.Inc()
	return blk, nil
}

func ldRead(r *bufio.Reader) ([]byte, error) {
	if _, err := r.Peek(1); err != nil { // no more blocks, likely clean io.EOF
		return nil, err
	}

	l, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: incomplete length prefix", ErrTruncatedFrame)
		}
		return nil, err
	}

	if l > uint64(MaxAllowedSectionSize) { // Don't OOM
		return nil, fmt.Errorf("malformed car; section is bigger than MaxAllowedSectionSize (%d)", l)
	}

	// direct allocation, not great
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: expected %d bytes", ErrTruncatedFrame, l)
		}
		return nil, err
	}

	return buf, nil
}

// Parses an entire CAR file, returning the roots and blocks in file order. Nothing is returned unless the whole file parses.
func ReadAll(r io.Reader) ([]cid.Cid, []blocks.Block, error) {
	cr, err := NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	var out []blocks.Block
	for {
		blk, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		out = append(out, blk)
	}
	return cr.Roots, out, nil
}

// Reads a CAR file in to the block store. Blocks are staged in memory and written with a single PutMany call after the whole file has been parsed, so a failed read leaves the store unmodified.
func ReadCAR(ctx context.Context, r io.Reader, store blockstore.Store) ([]cid.Cid, error) {
	roots, blks, err := ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(blks) == 0 {
		return roots, nil
	}
	if err := store.PutMany(ctx, blks); err != nil {
		return nil, err
	}
	return roots, nil
}

// Wraps a frame without copying: data is a sub-slice of the full frame buffer.
type BasicBlock struct {
	cid  cid.Cid
	data []byte
	base []byte
}

func NewBlockWithCid(data, base []byte, c cid.Cid) *BasicBlock {
	return &BasicBlock{data: data, cid: c, base: base}
}

// RawData returns the block raw contents as a byte slice.
func (b *BasicBlock) RawData() []byte {
	return b.data
}

// Cid returns the content identifier of the block.
func (b *BasicBlock) Cid() cid.Cid {
	return b.cid
}

// String provides a human-readable representation of the block CID.
func (b *BasicBlock) String() string {
	return fmt.Sprintf("[Block %s]", b.Cid())
}

// Loggable returns a go-log loggable item.
func (b *BasicBlock) Loggable() map[string]interface{} {
	return map[string]interface{}{
		"block": b.Cid().String(),
	}
}

// The full frame, including the CID prefix.
func (b *BasicBlock) BaseBuffer() []byte {
	return b.base
}
