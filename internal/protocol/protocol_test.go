// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/filter"
)

func connRecord(t *testing.T) *filter.Record {
	t.Helper()
	m, err := filter.NewConnMatch(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 1234, 80, filter.ProtoTCP)
	require.NoError(t, err)
	return &filter.Record{
		Interface: "eth0",
		Type:      filter.TypeConnection,
		Match:     m,
		Duration:  60 * time.Second,
		Target:    filter.TargetDrop,
	}
}

func TestHeaderLayout(t *testing.T) {
	assert.Equal(t, HeaderSize, offTarget+1)
	assert.Equal(t, offIface+ifaceLen, offType)
	assert.Equal(t, offSrc+16, offPrefix)
	assert.Equal(t, offDst+16, offSport)
}

func TestRequestRoundTrip(t *testing.T) {
	v6, err := filter.NewIPv6Match(netip.MustParseAddr("2001:db8::1"))
	require.NoError(t, err)
	v4, err := filter.NewIPv4Match(netip.MustParseAddr("192.168.1.0"), 24)
	require.NoError(t, err)

	records := map[string]*filter.Record{
		"connection": connRecord(t),
		"ipv4 limit": {
			Type: filter.TypeIP, Match: v4, Proto: filter.ProtoUDP, Target: filter.TargetLimit,
			Params: filter.Params{LimitBurst: 10, LimitRate: 5},
		},
		"ipv6 notify": {
			Interface: "wlan0", Type: filter.TypeIP, Match: v6, Target: filter.TargetByteNotify,
			Start:  time.Unix(1_700_000_000, 0),
			Params: filter.Params{Threshold: 1 << 40, NotifyReset: true},
		},
		"mac modify": {
			Type: filter.TypeMAC, Match: filter.EthMatch{Addr: [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}},
			Target: filter.TargetModify,
			Params: filter.Params{ModifyField: "ipv4.ttl", ModifyValue: []byte{9}},
		},
		"no filter": {Type: filter.TypeNone, Match: filter.AnyMatch{}, Target: filter.TargetWrite},
	}

	for name, rec := range records {
		t.Run(name, func(t *testing.T) {
			frame, err := EncodeRequest(NewRequest(OpInsert, rec))
			require.NoError(t, err)

			got, err := ReadFrame(bytes.NewReader(frame), 4096)
			require.NoError(t, err)
			req, err := DecodeRequest(got)
			require.NoError(t, err)
			assert.Equal(t, OpInsert, req.Op)

			out, err := req.Record()
			require.NoError(t, err)
			assert.Equal(t, rec.Key(), out.Key())
			assert.Equal(t, rec.Params.LimitBurst, out.Params.LimitBurst)
			assert.Equal(t, rec.Params.Threshold, out.Params.Threshold)
			assert.Equal(t, rec.Params.NotifyReset, out.Params.NotifyReset)
			assert.Equal(t, rec.Params.ModifyField, out.Params.ModifyField)
			assert.Equal(t, rec.Duration, out.Duration)
			assert.True(t, rec.Start.Equal(out.Start))
		})
	}
}

func TestDecodeRequest_Errors(t *testing.T) {
	valid, err := EncodeRequest(NewRequest(OpInsert, connRecord(t)))
	require.NoError(t, err)

	withPayload := func(payload ...byte) []byte {
		f := append(append([]byte(nil), valid...), payload...)
		binary.BigEndian.PutUint32(f, uint32(len(f)))
		return f
	}
	mutate := func(fn func(f []byte)) []byte {
		f := append([]byte(nil), valid...)
		fn(f)
		return f
	}

	tests := []struct {
		name  string
		frame []byte
		kind  errors.Kind
	}{
		{"unknown op", mutate(func(f []byte) { f[offOp] = 9 }), errors.KindMalformed},
		{"reserved filter type", mutate(func(f []byte) { f[offType] = 5 }), errors.KindInvalidType},
		{"filter type 31", mutate(func(f []byte) { f[offType] = 31 }), errors.KindInvalidType},
		{"bad family", mutate(func(f []byte) { f[offFamily] = 5 }), errors.KindMalformed},
		{"unterminated iface", mutate(func(f []byte) {
			copy(f[offIface:offIface+ifaceLen], "0123456789abcdef")
		}), errors.KindMalformed},
		{"length mismatch", mutate(func(f []byte) { binary.BigEndian.PutUint32(f, 200) }), errors.KindMalformed},
		{"truncated tlv", withPayload(ParamID, 0), errors.KindMalformed},
		{"tlv overrun", withPayload(ParamID, 0, 8, 1, 2), errors.KindMalformed},
		{"tlv wrong size", withPayload(ParamLimitBurst, 0, 2, 0, 1), errors.KindMalformed},
		{"unknown tlv", withPayload(42, 0, 1, 0), errors.KindMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest(tt.frame)
			require.Error(t, err)
			assert.Equal(t, tt.kind, errors.GetKind(err))
		})
	}
}

func TestRequestRecord_Errors(t *testing.T) {
	base := NewRequest(OpInsert, connRecord(t))

	bad := *base
	bad.Target = 10
	_, err := bad.Record()
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))

	bad = *base
	bad.Type = filter.TypeIP
	bad.Family = 0
	_, err = bad.Record()
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))

	bad = *base
	bad.Duration = -1
	_, err = bad.Record()
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))

	bad = *base
	bad.Target = filter.TargetLimit
	_, err = bad.Record()
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err), "limit without burst")
}

func TestReadFrame(t *testing.T) {
	t.Run("length below header", func(t *testing.T) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], HeaderSize-1)
		_, err := ReadFrame(bytes.NewReader(b[:]), 4096)
		assert.True(t, errors.Is(err, ErrFrameLength))
	})

	t.Run("length above max payload", func(t *testing.T) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], HeaderSize+4097)
		_, err := ReadFrame(bytes.NewReader(b[:]), 4096)
		assert.True(t, errors.Is(err, ErrFrameLength))
	})

	t.Run("peer closes mid frame", func(t *testing.T) {
		frame, err := EncodeRequest(NewRequest(OpInsert, connRecord(t)))
		require.NoError(t, err)
		_, err = ReadFrame(bytes.NewReader(frame[:40]), 4096)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("clean eof", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(nil), 4096)
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, &Response{Status: StatusOK, ID: 7}))
	require.NoError(t, WriteResponse(&buf, &Response{Status: StatusOK, ID: 8, Stats: &filter.Counters{Hits: 1, Bytes: 2, Drops: 3}}))
	require.NoError(t, WriteResponse(&buf, ErrorResponse(errors.Attr(errors.ErrDuplicateFilter, "id", 3))))

	r, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), r.ID)
	assert.Nil(t, r.Stats)
	assert.NoError(t, r.Err())

	r, err = ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, &filter.Counters{Hits: 1, Bytes: 2, Drops: 3}, r.Stats)

	r, err = ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, r.Status)
	assert.Equal(t, "duplicate filter", r.Message)
	assert.Equal(t, errors.KindConflict, errors.GetKind(r.Err()))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusOK, StatusFor(nil))
	assert.Equal(t, StatusDuplicate, StatusFor(errors.ErrDuplicateFilter))
	assert.Equal(t, StatusNotFound, StatusFor(errors.ErrFilterNotFound))
	assert.Equal(t, StatusTableFull, StatusFor(errors.ErrTableFull))
	assert.Equal(t, StatusInvalidFilterType, StatusFor(errors.New(errors.KindInvalidType, "x")))
	assert.Equal(t, StatusMalformed, StatusFor(errors.New(errors.KindValidation, "x")))
	assert.Equal(t, StatusInternal, StatusFor(io.EOF))
}
