package syntax

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTIDParse(t *testing.T) {
	assert := assert.New(t)

	for _, s := range []string{"3jzfcijpj2z2a", "7777777777777", "3zzzzzzzzzzzz", "2222222222222"} {
		_, err := ParseTID(s)
		assert.NoError(err, s)
	}
	for _, s := range []string{"", "3jzfcijpj2z2aa", "3jzfcijpj2z2", "3jzfcijpj2z21", "zzzzzzzzzzzzz", "3JZFCIJPJ2Z2A", "3jzfcijpj2z2."} {
		_, err := ParseTID(s)
		assert.Error(err, s)
	}
}

func TestTIDParts(t *testing.T) {
	assert := assert.New(t)

	raw := "3kao2cl6lyj2p"
	tid, err := ParseTID(raw)
	assert.NoError(err)
	assert.Equal(2023, tid.Time().Year())

	out := NewTID(tid.Time().UnixMicro(), tid.ClockID())
	assert.Equal(raw, out.String())
	assert.Equal(tid.ClockID(), out.ClockID())
	assert.Equal(tid.Integer(), NewTIDFromInteger(tid.Integer()).Integer())
}

func TestTIDExamples(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("242k52k4kg3sc", NewTIDFromInteger(0x0102030405060708).String())
	assert.Equal(uint64(0x0102030405060708), TID("242k52k4kg3sc").Integer())
	assert.Equal("2222222222223", NewTIDFromInteger(0x0000000000000001).String())
	assert.Equal("6222222222222", NewTIDFromInteger(0x4000000000000000).String())
	// high bit is always masked
	assert.Equal("2222222222222", NewTIDFromInteger(0x8000000000000000).String())
}

func TestTIDNoPanic(t *testing.T) {
	for _, s := range []string{"", "3jzfcijpj2z2aa", "3jzfcijpj2z2", ".."} {
		bad := TID(s)
		_ = bad.ClockID()
		_ = bad.Integer()
		_ = bad.Time()
		_ = bad.String()
	}
}

func TestTIDClockMonotonic(t *testing.T) {
	assert := assert.New(t)

	clk := NewTIDClock(0)
	last := NewTID(0, 0)
	for i := 0; i < 1000; i++ {
		next := clk.Next()
		assert.Equal(1, next.Compare(last))
		last = next
	}
}

func TestTIDClockFromFuture(t *testing.T) {
	assert := assert.New(t)

	// a revision an hour in the future: clock must keep sorting after it
	future := NewTIDFromTime(time.Now().Add(time.Hour), 7)
	clk := ClockFromTID(future)
	next := clk.Next()
	assert.Equal(1, next.Compare(future))
	assert.Equal(uint(7), next.ClockID())

	clk2 := NewTIDClock(3)
	clk2.Observe(future)
	assert.Equal(1, clk2.Next().Compare(future))
}

func TestTIDClockConcurrent(t *testing.T) {
	assert := assert.New(t)

	clk := NewTIDClock(1)
	var mtx sync.Mutex
	seen := map[TID]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tid := clk.Next()
				mtx.Lock()
				seen[tid] = true
				mtx.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(1600, len(seen))
}
