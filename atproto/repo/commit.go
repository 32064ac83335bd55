package repo

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/atproto/repo/blockstore"
	"github.com/bluesky-social/atrepo/atproto/syntax"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// Version of the repo data format implemented in this package
const ATPROTO_REPO_VERSION int64 = 3

var ErrMalformedCommit = errors.New("malformed repo commit")

var ErrInvalidSignature = errors.New("invalid commit signature")

var ErrSigningFailed = errors.New("failed to sign commit")

// atproto repo commit object as a struct type. Can be used for direct CBOR or JSON serialization.
type Commit struct {
	DID     string   `json:"did" cborgen:"did"`
	Version int64    `json:"version" cborgen:"version"` // currently: 3
	Prev    *cid.Cid `json:"prev" cborgen:"prev"`       // NOTE: omitempty would break signature verification for repo v3
	Data    cid.Cid  `json:"data" cborgen:"data"`
	Sig     []byte   `json:"sig,omitempty" cborgen:"sig,omitempty"`
	Rev     string   `json:"rev,omitempty" cborgen:"rev,omitempty"`
}

// does basic checks that field values and syntax are correct
func (c *Commit) VerifyStructure() error {
	if c.Version != ATPROTO_REPO_VERSION {
		return fmt.Errorf("%w: unsupported repo version: %d", ErrMalformedCommit, c.Version)
	}
	if len(c.Sig) == 0 {
		return fmt.Errorf("%w: empty commit signature", ErrMalformedCommit)
	}
	if !c.Data.Defined() {
		return fmt.Errorf("%w: missing data CID", ErrMalformedCommit)
	}
	_, err := syntax.ParseDID(c.DID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedCommit, err)
	}
	_, err = syntax.ParseTID(c.Rev)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedCommit, err)
	}
	return nil
}

// Encodes the commit object as DAG-CBOR, without the signature field. Used for signing or validating signatures.
func (c *Commit) UnsignedBytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if c.Sig == nil {
		if err := c.MarshalCBOR(buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	unsigned := Commit{
		DID:     c.DID,
		Version: c.Version,
		Prev:    c.Prev,
		Data:    c.Data,
		Rev:     c.Rev,
	}
	if err := unsigned.MarshalCBOR(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Signs the commit, storing the signature in the `Sig` field
func (c *Commit) Sign(privkey crypto.PrivateKey) error {
	if privkey == nil {
		return fmt.Errorf("%w: no signing key", ErrSigningFailed)
	}
	b, err := c.UnsignedBytes()
	if err != nil {
		return err
	}
	sig, err := privkey.HashAndSign(b)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	c.Sig = sig
	return nil
}

// Verifies `Sig` field using the provided key. Returns `nil` if signature is valid.
func (c *Commit) VerifySignature(pubkey crypto.PublicKey) error {
	if c.Sig == nil {
		return fmt.Errorf("%w: can not verify unsigned commit", ErrInvalidSignature)
	}
	b, err := c.UnsignedBytes()
	if err != nil {
		return err
	}
	if err := pubkey.HashAndVerify(b, c.Sig); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return nil
}

// Signed commit as a block, with the computed CID.
func (c *Commit) Block() (blocks.Block, error) {
	buf := new(bytes.Buffer)
	if err := c.MarshalCBOR(buf); err != nil {
		return nil, err
	}
	return blockstore.CBORBlock(buf.Bytes())
}

func (c *Commit) CID() (cid.Cid, error) {
	blk, err := c.Block()
	if err != nil {
		return cid.Undef, err
	}
	return blk.Cid(), nil
}

// Decodes and structurally checks a commit block.
func ParseCommit(raw []byte) (*Commit, error) {
	var commit Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCommit, err)
	}
	if err := commit.VerifyStructure(); err != nil {
		return nil, err
	}
	return &commit, nil
}

// Builds and signs a new commit pointing at the MST root `data`. `prev` is the account's current commit (nil for the first commit), and `prevCID` is optionally included as the legacy `prev` link.
//
// The revision is always strictly greater than the previous commit's revision.
func CreateCommit(did syntax.DID, prev *Commit, prevCID *cid.Cid, data cid.Cid, key crypto.PrivateKey) (*Commit, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no signing key for %s", ErrSigningFailed, did)
	}
	var clk *syntax.TIDClock
	if prev != nil {
		prevRev, err := syntax.ParseTID(prev.Rev)
		if err != nil {
			return nil, fmt.Errorf("%w: previous commit rev: %w", ErrMalformedCommit, err)
		}
		if prev.DID != did.String() {
			return nil, fmt.Errorf("%w: previous commit is for a different account: %s", ErrMalformedCommit, prev.DID)
		}
		clk = syntax.ClockFromTID(prevRev)
	} else {
		clk = syntax.NewTIDClock(0)
	}

	commit := Commit{
		DID:     did.String(),
		Version: ATPROTO_REPO_VERSION,
		Prev:    prevCID,
		Data:    data,
		Rev:     clk.Next().String(),
	}
	if err := commit.Sign(key); err != nil {
		return nil, err
	}
	commitsCreated.Inc()
	return &commit, nil
}

// Checks commit structure and signature.
func VerifyCommit(commit *Commit, pubkey crypto.PublicKey) error {
	if err := commit.VerifyStructure(); err != nil {
		return err
	}
	return commit.VerifySignature(pubkey)
}
