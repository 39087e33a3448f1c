package message

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emberchain/go-blockfetch/testutil"
	"github.com/emberchain/go-blockfetch/types"
)

func TestRequestRoundTrip(t *testing.T) {
	hashes := testutil.GenerateHashes(3)
	msg := NewRequest(42, KindBodies, hashes, 1)

	var buf bytes.Buffer
	require.NoError(t, msg.ToMsgio(&buf))

	got, err := FromNet(&buf)
	require.NoError(t, err)
	require.NotNil(t, got.Request)
	require.Nil(t, got.Response)
	require.Nil(t, got.Status)
	require.Equal(t, uint64(42), got.Request.ID)
	require.Equal(t, KindBodies, got.Request.Kind)
	require.Equal(t, hashes, got.Request.Hashes)
	require.Equal(t, int32(1), got.Request.Priority)
}

func TestResponseRoundTrip(t *testing.T) {
	msg := NewResponse(7, KindBodies)
	msg.Response.Bodies = []*types.Body{
		{Transactions: [][]byte{{0xde, 0xad}, {0xbe, 0xef}}},
		{Transactions: [][]byte{{0x01}}},
	}

	var buf bytes.Buffer
	require.NoError(t, msg.ToMsgio(&buf))

	got, err := FromNet(&buf)
	require.NoError(t, err)
	require.NotNil(t, got.Response)
	require.Equal(t, uint64(7), got.Response.ID)
	require.Equal(t, 2, got.Response.Len())
	require.Equal(t, msg.Response.Bodies, got.Response.Bodies)
	require.False(t, got.Response.Rejected)
}

func TestRejectionRoundTrip(t *testing.T) {
	msg := NewRejection(9, KindReceipts, RejectTooManyHashes)

	var buf bytes.Buffer
	require.NoError(t, msg.ToMsgio(&buf))

	got, err := FromNet(&buf)
	require.NoError(t, err)
	require.True(t, got.Response.Rejected)
	require.Equal(t, RejectTooManyHashes, got.Response.Reason)
	require.Equal(t, 0, got.Response.Len())
}

func TestStatusRoundTrip(t *testing.T) {
	st := Status{
		HeadHeight: 1000,
		HeadHash:   types.HashData([]byte("head")),
		Earliest:   128,
		Genesis:    types.HashData([]byte("genesis")),
	}
	msg := NewStatus(st)

	var buf bytes.Buffer
	require.NoError(t, msg.ToMsgio(&buf))

	got, err := FromNet(&buf)
	require.NoError(t, err)
	require.NotNil(t, got.Status)
	require.Equal(t, st, *got.Status)
}

func TestMultipleMessagesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRequest(1, KindHeaders, testutil.GenerateHashes(1), 0).ToMsgio(&buf))
	require.NoError(t, NewStatus(Status{HeadHeight: 5}).ToMsgio(&buf))

	first, err := FromNet(&buf)
	require.NoError(t, err)
	require.NotNil(t, first.Request)

	second, err := FromNet(&buf)
	require.NoError(t, err)
	require.NotNil(t, second.Status)
}

func TestSizeMatchesEncoding(t *testing.T) {
	msg := NewRequest(3, KindBodies, testutil.GenerateHashes(10), 0)

	var buf bytes.Buffer
	require.NoError(t, msg.ToMsgio(&buf))

	// The stream carries the varint prefix plus the encoding itself.
	require.Greater(t, buf.Len(), msg.Size())
	require.LessOrEqual(t, buf.Len(), msg.Size()+5)
}

func TestCloneIsIndependent(t *testing.T) {
	msg := NewRequest(1, KindBodies, testutil.GenerateHashes(2), 0)
	cp := msg.Clone()

	cp.Request.Hashes[0] = types.HashData([]byte("mutated"))
	require.NotEqual(t, msg.Request.Hashes[0], cp.Request.Hashes[0])
	require.Equal(t, uint64(1), cp.Request.ID)
}

func TestEmpty(t *testing.T) {
	require.True(t, (&Message{}).Empty())
	require.False(t, NewStatus(Status{}).Empty())
}

func TestKindValidity(t *testing.T) {
	require.True(t, KindBodies.Valid())
	require.True(t, KindHeaders.Valid())
	require.True(t, KindReceipts.Valid())
	require.False(t, Kind(0).Valid())
	require.False(t, Kind(9).Valid())
}

func TestFromNetGarbage(t *testing.T) {
	_, err := FromNet(bytes.NewReader([]byte{0x05, 0xff, 0xff, 0xff, 0xff, 0xff}))
	require.Error(t, err)
}

func TestFromNetTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRequest(1, KindBodies, testutil.GenerateHashes(4), 0).ToMsgio(&buf))

	trunc := buf.Bytes()[:buf.Len()/2]
	_, err := FromNet(bytes.NewReader(trunc))
	require.Error(t, err)
}

func FuzzFromNet(f *testing.F) {
	seed := func(m *Message) {
		var buf bytes.Buffer
		if err := m.ToMsgio(&buf); err == nil {
			f.Add(buf.Bytes())
		}
	}
	seed(NewRequest(1, KindBodies, testutil.GenerateHashes(2), 1))
	seed(NewResponse(2, KindHeaders))
	seed(NewRejection(3, KindReceipts, RejectUnknownKind))
	seed(NewStatus(Status{HeadHeight: 10}))
	f.Add([]byte{0x00})
	f.Add([]byte{0x01, 0xa0})

	f.Fuzz(func(t *testing.T, data []byte) {
		// Decoding must never panic, whatever the bytes.
		msg, err := FromNet(bytes.NewReader(data))
		if err == nil && msg != nil {
			_ = msg.Size()
			_ = msg.Loggable()
		}
	})
}
