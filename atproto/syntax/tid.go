package syntax

import (
	"encoding/base32"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	Base32SortAlphabet = "234567abcdefghijklmnopqrstuvwxyz"
)

// Represents a TID ("timestamp identifier") in string format. TIDs are used as repository revision tokens ("rev"), and sort lexically in time order.
//
// Always use [ParseTID] instead of wrapping strings directly, especially when working with network input.
type TID string

var tidRegex = regexp.MustCompile(`^[234567abcdefghij][234567abcdefghijklmnopqrstuvwxyz]{12}$`)

var tidEncoding = base32.NewEncoding(Base32SortAlphabet).WithPadding(base32.NoPadding)

var ErrInvalidTID = errors.New("invalid TID syntax")

func ParseTID(raw string) (TID, error) {
	if raw == "" {
		return "", errors.New("expected TID, got empty string")
	}
	if len(raw) != 13 {
		return "", errors.New("TID is wrong length (expected 13 chars)")
	}
	if !tidRegex.MatchString(raw) {
		return "", ErrInvalidTID
	}
	return TID(raw), nil
}

// Returns the base32-sortable encoding used by TIDs.
func Base32Sort() *base32.Encoding {
	return tidEncoding
}

func NewTIDFromInteger(v uint64) TID {
	v = 0x7FFF_FFFF_FFFF_FFFF & v
	var buf [13]byte
	for i := 12; i >= 0; i-- {
		buf[i] = Base32SortAlphabet[v&0x1F]
		v = v >> 5
	}
	return TID(buf[:])
}

// Constructs a TID from a UNIX timestamp (in microseconds) and a clock ID (10 bits).
func NewTID(unixMicros int64, clockId uint) TID {
	v := (uint64(unixMicros&0x1F_FFFF_FFFF_FFFF) << 10) | uint64(clockId&0x3FF)
	return NewTIDFromInteger(v)
}

func NewTIDFromTime(ts time.Time, clockId uint) TID {
	return NewTID(ts.UTC().UnixMicro(), clockId)
}

// Naive one-off TID with the current time. Use a [TIDClock] for monotonic output.
func NewTIDNow(clockId uint) TID {
	return NewTID(time.Now().UTC().UnixMicro(), clockId)
}

// Full 64-bit integer representation. Returns 0 for malformed values.
func (t TID) Integer() uint64 {
	s := string(t)
	if len(s) != 13 {
		return 0
	}
	var v uint64
	for i := 0; i < 13; i++ {
		c := strings.IndexByte(Base32SortAlphabet, s[i])
		if c < 0 {
			return 0
		}
		v = (v << 5) | uint64(c&0x1F)
	}
	return v
}

func (t TID) unixMicro() int64 {
	return int64((t.Integer() >> 10) & 0x1FFF_FFFF_FFFF_FFFF)
}

func (t TID) Time() time.Time {
	return time.UnixMicro(t.unixMicro()).UTC()
}

func (t TID) ClockID() uint {
	return uint(t.Integer() & 0x3FF)
}

// Compares two TIDs in time order: -1 if t sorts before other, 1 if after, 0 if equal.
func (t TID) Compare(other TID) int {
	return strings.Compare(string(t), string(other))
}

func (t TID) String() string {
	return string(t)
}

func (t TID) MarshalText() ([]byte, error) {
	return []byte(t), nil
}

func (t *TID) UnmarshalText(text []byte) error {
	tid, err := ParseTID(string(text))
	if err != nil {
		return err
	}
	*t = tid
	return nil
}

// Generates TIDs which always increase, even when called faster than the clock resolution, or if the wall clock moves backwards.
//
// Safe for concurrent use.
type TIDClock struct {
	ClockID uint

	mtx           sync.Mutex
	lastUnixMicro int64
}

func NewTIDClock(clockId uint) *TIDClock {
	return &TIDClock{
		ClockID: clockId,
	}
}

// Returns a clock which will only emit TIDs sorting strictly after the provided TID. Used to continue a repository revision sequence.
func ClockFromTID(t TID) *TIDClock {
	return &TIDClock{
		ClockID:       t.ClockID(),
		lastUnixMicro: t.unixMicro(),
	}
}

func (c *TIDClock) Next() TID {
	now := time.Now().UTC().UnixMicro()
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if now <= c.lastUnixMicro {
		now = c.lastUnixMicro + 1
	}
	c.lastUnixMicro = now
	return NewTID(now, c.ClockID)
}

// Moves the clock forward so that subsequent output sorts after the given TID. Has no effect if the clock is already past it.
func (c *TIDClock) Observe(t TID) {
	um := t.unixMicro()
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if um > c.lastUnixMicro {
		c.lastUnixMicro = um
	}
}
