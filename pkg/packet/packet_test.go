package packet

import (
	"bytes"
	"testing"

	"github.com/simeonmiteff/go-meshnet/pkg/merr"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"gotest.tools/v3/assert"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	sender := meshid.New()
	payload := bytes.Repeat([]byte("X"), 3*MaxPayloadSize(DefaultSize)+17)

	packets, err := Pack(payload, sender, Regular, DefaultSize)
	assert.NilError(t, err)
	assert.Equal(t, len(packets), 4)

	var out []byte
	var reasm Reassembler
	for i, p := range packets {
		raw := p.Marshal()
		assert.Equal(t, len(raw), DefaultSize)

		got, err := Unpack(raw, DefaultSize)
		assert.NilError(t, err)
		assert.Equal(t, got.PartIndex, uint32(i+1))
		assert.Equal(t, got.PartCount, uint32(len(packets)))
		assert.Equal(t, got.Addresser, sender)

		msg, typ, done, err := reasm.Feed(got)
		assert.NilError(t, err)
		if i == len(packets)-1 {
			assert.Assert(t, done)
			assert.Equal(t, typ, Regular)
			out = msg
		} else {
			assert.Assert(t, !done)
		}
	}

	assert.DeepEqual(t, out, payload)
}

func TestPackEmptyPayloadYieldsOnePacket(t *testing.T) {
	packets, err := Pack(nil, meshid.New(), Hello, DefaultSize)
	assert.NilError(t, err)
	assert.Equal(t, len(packets), 1)
	assert.Equal(t, packets[0].PartCount, uint32(1))
	assert.Equal(t, packets[0].PartIndex, uint32(1))
	assert.Assert(t, packets[0].Complete())
}

func TestPackPartCountIsCeilingDivision(t *testing.T) {
	chunk := MaxPayloadSize(DefaultSize)
	payload := make([]byte, chunk*2+1)

	packets, err := Pack(payload, meshid.New(), Regular, DefaultSize)
	assert.NilError(t, err)
	assert.Equal(t, len(packets), 3)
	assert.Equal(t, packets[len(packets)-1].PayloadSize, uint16(1))
}

func TestUnpackRejectsWrongSize(t *testing.T) {
	_, err := Unpack(make([]byte, 10), DefaultSize)
	assert.ErrorIs(t, err, merr.ErrCorruptPacket)
}

func TestUnpackRejectsBadPartIndex(t *testing.T) {
	sender := meshid.New()
	packets, err := Pack([]byte("hi"), sender, Regular, DefaultSize)
	assert.NilError(t, err)

	raw := packets[0].Marshal()
	// Corrupt partindex field to be zero, which is out of range (1..partcount).
	raw[1+2+meshid.Size+2+4+0] = 0
	raw[1+2+meshid.Size+2+4+1] = 0
	raw[1+2+meshid.Size+2+4+2] = 0
	raw[1+2+meshid.Size+2+4+3] = 0

	_, err = Unpack(raw, DefaultSize)
	assert.Assert(t, err != nil)
}

func TestReassemblerRejectsOutOfOrder(t *testing.T) {
	sender := meshid.New()
	chunk := MaxPayloadSize(DefaultSize)
	packets, err := Pack(make([]byte, chunk*2), sender, Regular, DefaultSize)
	assert.NilError(t, err)
	assert.Equal(t, len(packets), 2)

	var r Reassembler
	_, _, _, err = r.Feed(&packets[1]) // starts mid-message
	assert.Assert(t, err != nil)
}
