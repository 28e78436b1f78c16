// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package protocol implements the binary control-plane framing.
//
// A request is a fixed 85-byte header followed by a TLV parameter payload.
// A response is a 5-byte header (length, status) followed by the ID and
// optional counters on success, or the error text on failure. All integers
// are big-endian.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/netip"
	"time"

	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/filter"
)

const (
	// HeaderSize is the fixed request header length.
	HeaderSize = 85
	// ResponseHeaderSize is the fixed response header length.
	ResponseHeaderSize = 5
	// DefaultPort is the control-plane TCP port.
	DefaultPort = 1111
	// MaxResponsePayload bounds what a client accepts.
	MaxResponsePayload = 64 * 1024

	ifaceLen = 16
)

// Header field offsets.
const (
	offLength   = 0
	offOp       = 4
	offIface    = 5
	offType     = 21
	offFamily   = 22
	offMAC      = 23
	offSrc      = 29
	offPrefix   = 45
	offDst      = 46
	offSport    = 62
	offDport    = 64
	offConnProt = 66
	offProto    = 67
	offStart    = 68
	offDuration = 76
	offTarget   = 84
)

// Op is the requested table operation.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpModify
	OpDelete
	OpStats
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpStats:
		return "stats"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Status is the response code.
type Status uint8

const (
	StatusOK Status = iota
	StatusMalformed
	StatusInvalidFilterType
	StatusDuplicate
	StatusNotFound
	StatusTableFull
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMalformed:
		return "malformed_request"
	case StatusInvalidFilterType:
		return "invalid_filter_type"
	case StatusDuplicate:
		return "duplicate_filter"
	case StatusNotFound:
		return "filter_not_found"
	case StatusTableFull:
		return "table_full"
	case StatusInternal:
		return "internal_failure"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Kind maps a status back to an error kind.
func (s Status) Kind() errors.Kind {
	switch s {
	case StatusOK:
		return errors.KindUnknown
	case StatusMalformed:
		return errors.KindMalformed
	case StatusInvalidFilterType:
		return errors.KindInvalidType
	case StatusDuplicate:
		return errors.KindConflict
	case StatusNotFound:
		return errors.KindNotFound
	case StatusTableFull:
		return errors.KindCapacity
	default:
		return errors.KindInternal
	}
}

// StatusFor maps an error to its wire status.
func StatusFor(err error) Status {
	if err == nil {
		return StatusOK
	}
	switch errors.GetKind(err) {
	case errors.KindMalformed, errors.KindValidation:
		return StatusMalformed
	case errors.KindInvalidType:
		return StatusInvalidFilterType
	case errors.KindConflict:
		return StatusDuplicate
	case errors.KindNotFound:
		return StatusNotFound
	case errors.KindCapacity:
		return StatusTableFull
	default:
		return StatusInternal
	}
}

// TLV parameter types.
const (
	ParamID          uint8 = 1
	ParamLimitBurst  uint8 = 2
	ParamLimitRate   uint8 = 3
	ParamThreshold   uint8 = 4
	ParamNotifyReset uint8 = 5
	ParamModifyField uint8 = 6
	ParamModifyValue uint8 = 7
)

// ErrFrameLength is returned when the declared length is out of range. The
// stream cannot be resynchronised after it.
var ErrFrameLength = errors.New(errors.KindMalformed, "declared length out of range")

// Params are the TLV-encoded request parameters.
type Params struct {
	// ID selects the record for modify, delete and stats. Zero means the
	// request addresses the record by its header key.
	ID          uint64
	LimitBurst  uint32
	LimitRate   uint32
	Threshold   uint64
	NotifyReset bool
	ModifyField string
	ModifyValue []byte
}

// Request is a decoded control-plane request.
type Request struct {
	Op        Op
	Interface string
	Type      filter.Type
	// Family is 0 (none), 4 or 6 and selects how Src and Dst are read.
	Family    uint8
	MAC       [6]byte
	Src       netip.Addr
	Prefix    uint8
	Dst       netip.Addr
	SrcPort   uint16
	DstPort   uint16
	ConnProto uint8
	Proto     uint8
	// Start and Duration are in seconds; zero Start means now and zero
	// Duration means open-ended.
	Start    int64
	Duration int64
	Target   filter.Target
	Params   Params
}

// ReadFrame reads one length-prefixed request frame. A declared length
// below HeaderSize or above HeaderSize+maxPayload yields ErrFrameLength
// without reading further. A short read returns the io error unchanged.
func ReadFrame(r io.Reader, maxPayload int) ([]byte, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lb[:])
	if n < HeaderSize || uint64(n) > uint64(HeaderSize)+uint64(maxPayload) {
		return nil, errors.Attr(ErrFrameLength, "length", n)
	}

	frame := make([]byte, n)
	copy(frame, lb[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// DecodeRequest parses a complete frame as returned by ReadFrame.
func DecodeRequest(frame []byte) (*Request, error) {
	if len(frame) < HeaderSize {
		return nil, errors.Errorf(errors.KindMalformed, "frame of %d bytes shorter than header", len(frame))
	}
	if n := binary.BigEndian.Uint32(frame[offLength:]); int(n) != len(frame) {
		return nil, errors.Errorf(errors.KindMalformed, "declared length %d does not match frame of %d bytes", n, len(frame))
	}

	req := &Request{
		Op:        Op(frame[offOp]),
		Type:      filter.Type(frame[offType]),
		Family:    frame[offFamily],
		Prefix:    frame[offPrefix],
		SrcPort:   binary.BigEndian.Uint16(frame[offSport:]),
		DstPort:   binary.BigEndian.Uint16(frame[offDport:]),
		ConnProto: frame[offConnProt],
		Proto:     frame[offProto],
		Start:     int64(binary.BigEndian.Uint64(frame[offStart:])),
		Duration:  int64(binary.BigEndian.Uint64(frame[offDuration:])),
		Target:    filter.Target(frame[offTarget]),
	}
	copy(req.MAC[:], frame[offMAC:offMAC+6])

	if req.Op < OpInsert || req.Op > OpStats {
		return nil, errors.Errorf(errors.KindMalformed, "unknown op %d", uint8(req.Op))
	}
	if !req.Type.Valid() {
		return nil, errors.Attr(errors.Errorf(errors.KindInvalidType, "filter type %d not supported", uint8(req.Type)), "type", uint8(req.Type))
	}

	iface, err := decodeIface(frame[offIface : offIface+ifaceLen])
	if err != nil {
		return nil, err
	}
	req.Interface = iface

	switch req.Family {
	case 0:
	case 4:
		req.Src = netip.AddrFrom4([4]byte(frame[offSrc : offSrc+4]))
		req.Dst = netip.AddrFrom4([4]byte(frame[offDst : offDst+4]))
	case 6:
		req.Src = netip.AddrFrom16([16]byte(frame[offSrc : offSrc+16]))
		req.Dst = netip.AddrFrom16([16]byte(frame[offDst : offDst+16]))
	default:
		return nil, errors.Errorf(errors.KindMalformed, "unknown address family %d", req.Family)
	}

	if err := decodeParams(frame[HeaderSize:], &req.Params); err != nil {
		return nil, err
	}
	return req, nil
}

func decodeIface(b []byte) (string, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", errors.New(errors.KindMalformed, "interface name not terminated")
	}
	for _, c := range b[i:] {
		if c != 0 {
			return "", errors.New(errors.KindMalformed, "interface name has trailing bytes")
		}
	}
	return string(b[:i]), nil
}

func decodeParams(b []byte, p *Params) error {
	for len(b) > 0 {
		if len(b) < 3 {
			return errors.Errorf(errors.KindMalformed, "truncated parameter header (%d bytes left)", len(b))
		}
		typ := b[0]
		n := int(binary.BigEndian.Uint16(b[1:3]))
		b = b[3:]
		if n > len(b) {
			return errors.Errorf(errors.KindMalformed, "parameter %d length %d exceeds payload", typ, n)
		}
		v := b[:n]
		b = b[n:]

		want := 0
		switch typ {
		case ParamID, ParamThreshold:
			want = 8
		case ParamLimitBurst, ParamLimitRate:
			want = 4
		case ParamNotifyReset:
			want = 1
		case ParamModifyField, ParamModifyValue:
			want = -1
		default:
			return errors.Errorf(errors.KindMalformed, "unknown parameter type %d", typ)
		}
		if want >= 0 && n != want {
			return errors.Errorf(errors.KindMalformed, "parameter %d has length %d, want %d", typ, n, want)
		}

		switch typ {
		case ParamID:
			p.ID = binary.BigEndian.Uint64(v)
		case ParamLimitBurst:
			p.LimitBurst = binary.BigEndian.Uint32(v)
		case ParamLimitRate:
			p.LimitRate = binary.BigEndian.Uint32(v)
		case ParamThreshold:
			p.Threshold = binary.BigEndian.Uint64(v)
		case ParamNotifyReset:
			p.NotifyReset = v[0] != 0
		case ParamModifyField:
			p.ModifyField = string(v)
		case ParamModifyValue:
			p.ModifyValue = append([]byte(nil), v...)
		}
	}
	return nil
}

// EncodeRequest serialises req into a frame.
func EncodeRequest(req *Request) ([]byte, error) {
	if len(req.Interface) >= ifaceLen {
		return nil, errors.Errorf(errors.KindMalformed, "interface name %q too long", req.Interface)
	}

	var payload bytes.Buffer
	p := req.Params
	if p.ID != 0 {
		putTLV(&payload, ParamID, binary.BigEndian.AppendUint64(nil, p.ID))
	}
	if p.LimitBurst != 0 {
		putTLV(&payload, ParamLimitBurst, binary.BigEndian.AppendUint32(nil, p.LimitBurst))
	}
	if p.LimitRate != 0 {
		putTLV(&payload, ParamLimitRate, binary.BigEndian.AppendUint32(nil, p.LimitRate))
	}
	if p.Threshold != 0 {
		putTLV(&payload, ParamThreshold, binary.BigEndian.AppendUint64(nil, p.Threshold))
	}
	if p.NotifyReset {
		putTLV(&payload, ParamNotifyReset, []byte{1})
	}
	if p.ModifyField != "" {
		if len(p.ModifyField) > math.MaxUint16 {
			return nil, errors.New(errors.KindMalformed, "modify field too long")
		}
		putTLV(&payload, ParamModifyField, []byte(p.ModifyField))
	}
	if len(p.ModifyValue) > 0 {
		if len(p.ModifyValue) > math.MaxUint16 {
			return nil, errors.New(errors.KindMalformed, "modify value too long")
		}
		putTLV(&payload, ParamModifyValue, p.ModifyValue)
	}

	frame := make([]byte, HeaderSize, HeaderSize+payload.Len())
	binary.BigEndian.PutUint32(frame[offLength:], uint32(HeaderSize+payload.Len()))
	frame[offOp] = byte(req.Op)
	copy(frame[offIface:], req.Interface)
	frame[offType] = byte(req.Type)
	frame[offFamily] = req.Family
	copy(frame[offMAC:], req.MAC[:])
	if err := putAddr(frame[offSrc:offSrc+16], req.Src, req.Family); err != nil {
		return nil, err
	}
	frame[offPrefix] = req.Prefix
	if err := putAddr(frame[offDst:offDst+16], req.Dst, req.Family); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint16(frame[offSport:], req.SrcPort)
	binary.BigEndian.PutUint16(frame[offDport:], req.DstPort)
	frame[offConnProt] = req.ConnProto
	frame[offProto] = req.Proto
	binary.BigEndian.PutUint64(frame[offStart:], uint64(req.Start))
	binary.BigEndian.PutUint64(frame[offDuration:], uint64(req.Duration))
	frame[offTarget] = byte(req.Target)

	return append(frame, payload.Bytes()...), nil
}

func putTLV(buf *bytes.Buffer, typ uint8, v []byte) {
	buf.WriteByte(typ)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(v)))
	buf.Write(l[:])
	buf.Write(v)
}

func putAddr(dst []byte, a netip.Addr, family uint8) error {
	if !a.IsValid() {
		return nil
	}
	switch family {
	case 4:
		if !a.Is4() {
			return errors.Errorf(errors.KindMalformed, "%s is not an IPv4 address", a)
		}
		b := a.As4()
		copy(dst, b[:])
	case 6:
		b := a.As16()
		copy(dst, b[:])
	default:
		return errors.Errorf(errors.KindMalformed, "address %s given with family %d", a, family)
	}
	return nil
}

// Record builds the filter record described by the header and parameters.
func (req *Request) Record() (*filter.Record, error) {
	rec, err := req.build()
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Key returns the identity key addressed by the header. Target parameters
// are not required, so a LIMIT filter can be deleted without its burst.
func (req *Request) Key() (filter.Key, error) {
	rec, err := req.build()
	if err != nil {
		return filter.Key{}, err
	}
	if !rec.Target.Valid() {
		return filter.Key{}, errors.Errorf(errors.KindMalformed, "target %d out of range", uint8(rec.Target))
	}
	return rec.Key(), nil
}

func (req *Request) build() (*filter.Record, error) {
	rec := &filter.Record{
		Interface: req.Interface,
		Type:      req.Type,
		Proto:     req.Proto,
		Target:    req.Target,
		Params: filter.Params{
			LimitBurst:  req.Params.LimitBurst,
			LimitRate:   req.Params.LimitRate,
			Threshold:   req.Params.Threshold,
			NotifyReset: req.Params.NotifyReset,
			ModifyField: req.Params.ModifyField,
			ModifyValue: req.Params.ModifyValue,
		},
	}

	if req.Start != 0 {
		rec.Start = time.Unix(req.Start, 0)
	}
	if req.Duration < 0 || req.Duration > math.MaxInt64/int64(time.Second) {
		return nil, errors.Errorf(errors.KindMalformed, "duration %d out of range", req.Duration)
	}
	rec.Duration = time.Duration(req.Duration) * time.Second

	var err error
	switch req.Type {
	case filter.TypeNone:
		rec.Match = filter.AnyMatch{}
	case filter.TypeMAC:
		rec.Match = filter.EthMatch{Addr: req.MAC}
	case filter.TypeIP:
		switch req.Family {
		case 4:
			rec.Match, err = filter.NewIPv4Match(req.Src, req.Prefix)
		case 6:
			rec.Match, err = filter.NewIPv6Match(req.Src)
		default:
			err = fmt.Errorf("ip filter needs address family 4 or 6, got %d", req.Family)
		}
	case filter.TypeConnection, filter.TypeFlow:
		rec.Match, err = filter.NewConnMatch(req.Src, req.Dst, req.SrcPort, req.DstPort, req.ConnProto)
	default:
		return nil, errors.Errorf(errors.KindInvalidType, "filter type %d not supported", uint8(req.Type))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindMalformed, "bad match criteria")
	}
	return rec, nil
}

// NewRequest builds a request for op carrying rec's criteria and params.
func NewRequest(op Op, rec *filter.Record) *Request {
	req := &Request{
		Op:        op,
		Interface: rec.Interface,
		Type:      rec.Type,
		Proto:     rec.Proto,
		Target:    rec.Target,
		Duration:  int64(rec.Duration / time.Second),
		Params: Params{
			LimitBurst:  rec.Params.LimitBurst,
			LimitRate:   rec.Params.LimitRate,
			Threshold:   rec.Params.Threshold,
			NotifyReset: rec.Params.NotifyReset,
			ModifyField: rec.Params.ModifyField,
			ModifyValue: rec.Params.ModifyValue,
		},
	}
	if !rec.Start.IsZero() {
		req.Start = rec.Start.Unix()
	}

	switch m := rec.Match.(type) {
	case filter.EthMatch:
		req.MAC = m.Addr
	case filter.IPv4Match:
		req.Family = 4
		req.Src = m.IP()
		req.Prefix = m.Prefix
	case filter.IPv6Match:
		req.Family = 6
		req.Src = netip.AddrFrom16(m.Addr)
	case filter.ConnMatch:
		req.Src, req.Dst = m.Src, m.Dst
		req.SrcPort, req.DstPort = m.SrcPort, m.DstPort
		req.ConnProto = m.Proto
		switch {
		case m.Src.Is4() || m.Dst.Is4():
			req.Family = 4
		case m.Src.Is6() || m.Dst.Is6():
			req.Family = 6
		}
	}
	return req
}

// Response is a decoded control-plane response.
type Response struct {
	Status Status
	ID     uint64
	// Stats is set for successful STATS requests.
	Stats   *filter.Counters
	Message string
}

// Err converts a non-OK response into an error of the matching kind.
func (r *Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return errors.Attr(errors.New(r.Status.Kind(), r.Message), "status", r.Status.String())
}

// ErrorResponse builds the response for err.
func ErrorResponse(err error) *Response {
	return &Response{Status: StatusFor(err), Message: err.Error()}
}

// EncodeResponse serialises resp.
func EncodeResponse(resp *Response) []byte {
	var payload []byte
	if resp.Status == StatusOK {
		payload = binary.BigEndian.AppendUint64(payload, resp.ID)
		if resp.Stats != nil {
			payload = binary.BigEndian.AppendUint64(payload, resp.Stats.Hits)
			payload = binary.BigEndian.AppendUint64(payload, resp.Stats.Bytes)
			payload = binary.BigEndian.AppendUint64(payload, resp.Stats.Drops)
		}
	} else {
		payload = []byte(resp.Message)
		if len(payload) > MaxResponsePayload {
			payload = payload[:MaxResponsePayload]
		}
	}

	out := make([]byte, ResponseHeaderSize, ResponseHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(ResponseHeaderSize+len(payload)))
	out[4] = byte(resp.Status)
	return append(out, payload...)
}

// WriteResponse encodes resp to w in a single write.
func WriteResponse(w io.Writer, resp *Response) error {
	_, err := w.Write(EncodeResponse(resp))
	return err
}

// ReadResponse reads and decodes one response.
func ReadResponse(r io.Reader) (*Response, error) {
	var hdr [ResponseHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:4])
	if n < ResponseHeaderSize || n > ResponseHeaderSize+MaxResponsePayload {
		return nil, errors.Attr(ErrFrameLength, "length", n)
	}
	payload := make([]byte, n-ResponseHeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	resp := &Response{Status: Status(hdr[4])}
	if resp.Status != StatusOK {
		resp.Message = string(payload)
		return resp, nil
	}

	switch len(payload) {
	case 8:
		resp.ID = binary.BigEndian.Uint64(payload)
	case 32:
		resp.ID = binary.BigEndian.Uint64(payload)
		resp.Stats = &filter.Counters{
			Hits:  binary.BigEndian.Uint64(payload[8:]),
			Bytes: binary.BigEndian.Uint64(payload[16:]),
			Drops: binary.BigEndian.Uint64(payload[24:]),
		}
	default:
		return nil, errors.Errorf(errors.KindMalformed, "ok response payload of %d bytes", len(payload))
	}
	return resp, nil
}
