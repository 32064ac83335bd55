package repo

import (
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

const maxSigBytes = 1024

func writeTextField(cw *cbg.CborWriter, s string) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := cw.WriteString(s)
	return err
}

// Fields are written in DAG-CBOR canonical order (shorter keys first, then bytewise): did, rev, sig, data, prev, version.
func (t *Commit) MarshalCBOR(w io.Writer) error {
	if t == nil {
		_, err := w.Write(cbg.CborNull)
		return err
	}

	cw := cbg.NewCborWriter(w)
	fieldCount := 6
	if t.Sig == nil {
		fieldCount--
	}
	if t.Rev == "" {
		fieldCount--
	}

	if err := cw.WriteMajorTypeHeader(cbg.MajMap, uint64(fieldCount)); err != nil {
		return err
	}

	// t.DID (string) (string)
	if err := writeTextField(cw, "did"); err != nil {
		return err
	}
	if len(t.DID) > cbg.MaxLength {
		return fmt.Errorf("Value in field t.DID was too long")
	}
	if err := writeTextField(cw, t.DID); err != nil {
		return err
	}

	// t.Rev (string) (string)
	if t.Rev != "" {
		if err := writeTextField(cw, "rev"); err != nil {
			return err
		}
		if err := writeTextField(cw, t.Rev); err != nil {
			return err
		}
	}

	// t.Sig ([]uint8) (slice)
	if t.Sig != nil {
		if err := writeTextField(cw, "sig"); err != nil {
			return err
		}
		if len(t.Sig) > maxSigBytes {
			return fmt.Errorf("Byte array in field t.Sig was too long")
		}
		if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(t.Sig))); err != nil {
			return err
		}
		if _, err := cw.Write(t.Sig); err != nil {
			return err
		}
	}

	// t.Data (cid.Cid) (struct)
	if err := writeTextField(cw, "data"); err != nil {
		return err
	}
	if err := cbg.WriteCid(cw, t.Data); err != nil {
		return fmt.Errorf("failed to write cid field t.Data: %w", err)
	}

	// t.Prev (cid.Cid) (struct)
	if err := writeTextField(cw, "prev"); err != nil {
		return err
	}
	if t.Prev == nil {
		if _, err := cw.Write(cbg.CborNull); err != nil {
			return err
		}
	} else {
		if err := cbg.WriteCid(cw, *t.Prev); err != nil {
			return fmt.Errorf("failed to write cid field t.Prev: %w", err)
		}
	}

	// t.Version (int64) (int64)
	if err := writeTextField(cw, "version"); err != nil {
		return err
	}
	if t.Version >= 0 {
		if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(t.Version)); err != nil {
			return err
		}
	} else {
		if err := cw.WriteMajorTypeHeader(cbg.MajNegativeInt, uint64(-t.Version-1)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Commit) UnmarshalCBOR(r io.Reader) (err error) {
	*t = Commit{}

	cr := cbg.NewCborReader(r)

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()

	if maj != cbg.MajMap {
		return fmt.Errorf("cbor input should be of type map")
	}

	if extra > cbg.MaxLength {
		return fmt.Errorf("Commit: map struct too large (%d)", extra)
	}

	seen := make(map[string]bool, extra)
	n := extra
	for i := uint64(0); i < n; i++ {
		name, err := cbg.ReadString(cr)
		if err != nil {
			return err
		}
		if seen[name] {
			return fmt.Errorf("Commit: duplicate field %q", name)
		}
		seen[name] = true

		switch name {
		// t.DID (string) (string)
		case "did":
			sval, err := cbg.ReadString(cr)
			if err != nil {
				return err
			}
			t.DID = sval

		// t.Rev (string) (string)
		case "rev":
			sval, err := cbg.ReadString(cr)
			if err != nil {
				return err
			}
			t.Rev = sval

		// t.Sig ([]uint8) (slice)
		case "sig":
			b, err := cbg.ReadByteArray(cr, maxSigBytes)
			if err != nil {
				return err
			}
			t.Sig = b

		// t.Data (cid.Cid) (struct)
		case "data":
			c, err := cbg.ReadCid(cr)
			if err != nil {
				return fmt.Errorf("failed to read cid field t.Data: %w", err)
			}
			t.Data = c

		// t.Prev (cid.Cid) (struct)
		case "prev":
			b, err := cr.ReadByte()
			if err != nil {
				return err
			}
			if b != cbg.CborNull[0] {
				if err := cr.UnreadByte(); err != nil {
					return err
				}
				c, err := cbg.ReadCid(cr)
				if err != nil {
					return fmt.Errorf("failed to read cid field t.Prev: %w", err)
				}
				t.Prev = &c
			}

		// t.Version (int64) (int64)
		case "version":
			maj, extra, err := cr.ReadHeader()
			if err != nil {
				return err
			}
			switch maj {
			case cbg.MajUnsignedInt:
				if extra > 1<<62 {
					return fmt.Errorf("int64 positive overflow")
				}
				t.Version = int64(extra)
			case cbg.MajNegativeInt:
				if extra > 1<<62 {
					return fmt.Errorf("int64 negative overflow")
				}
				t.Version = -1 - int64(extra)
			default:
				return fmt.Errorf("wrong type for int64 field: %d", maj)
			}

		default:
			// Field doesn't exist on this type, so ignore it
			if err := cbg.ScanForLinks(cr, func(cid.Cid) {}); err != nil {
				return err
			}
		}
	}

	return nil
}
