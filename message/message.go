package message

import (
	"encoding/binary"
	"fmt"
	"io"

	pool "github.com/libp2p/go-buffer-pool"
	msgio "github.com/libp2p/go-msgio"

	"github.com/emberchain/go-blockfetch/internal/defaults"
	"github.com/emberchain/go-blockfetch/types"
)

// Kind names the payload family a request or response carries.
type Kind uint8

const (
	KindBodies Kind = iota + 1
	KindHeaders
	KindReceipts
)

// Valid reports whether the kind is one this node understands.
func (k Kind) Valid() bool {
	return k >= KindBodies && k <= KindReceipts
}

func (k Kind) String() string {
	switch k {
	case KindBodies:
		return "bodies"
	case KindHeaders:
		return "headers"
	case KindReceipts:
		return "receipts"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// RejectReason explains why a responder refused a request.
type RejectReason uint8

const (
	RejectTooManyHashes RejectReason = iota + 1
	RejectUnknownKind
)

func (r RejectReason) String() string {
	switch r {
	case RejectTooManyHashes:
		return "too many hashes"
	case RejectUnknownKind:
		return "unknown kind"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Request asks a peer for the payloads of the given block hashes. The
// response carries payloads in request order, with misses dropped.
type Request struct {
	ID       uint64       `cbor:"1,keyasint"`
	Kind     Kind         `cbor:"2,keyasint"`
	Hashes   []types.Hash `cbor:"3,keyasint"`
	Priority int32        `cbor:"4,keyasint,omitempty"`
}

// Response answers a request. Exactly one payload field is populated,
// chosen by Kind, unless the request was rejected.
type Response struct {
	ID       uint64           `cbor:"1,keyasint"`
	Kind     Kind             `cbor:"2,keyasint"`
	Bodies   []*types.Body    `cbor:"3,keyasint,omitempty"`
	Headers  []*types.Header  `cbor:"4,keyasint,omitempty"`
	Receipts []types.Receipts `cbor:"5,keyasint,omitempty"`
	Rejected bool             `cbor:"6,keyasint,omitempty"`
	Reason   RejectReason     `cbor:"7,keyasint,omitempty"`
}

// Len returns the number of payload items for the response's kind.
func (r *Response) Len() int {
	switch r.Kind {
	case KindBodies:
		return len(r.Bodies)
	case KindHeaders:
		return len(r.Headers)
	case KindReceipts:
		return len(r.Receipts)
	default:
		return 0
	}
}

// Status advertises the sender's chain coverage: its head, the
// earliest height it still holds payloads for, and its genesis hash.
type Status struct {
	HeadHeight uint64     `cbor:"1,keyasint"`
	HeadHash   types.Hash `cbor:"2,keyasint"`
	Earliest   uint64     `cbor:"3,keyasint"`
	Genesis    types.Hash `cbor:"4,keyasint"`
}

// Message is the wire envelope. A message carries any combination of
// the three parts; an all-nil message is never sent.
type Message struct {
	Request  *Request  `cbor:"1,keyasint,omitempty"`
	Response *Response `cbor:"2,keyasint,omitempty"`
	Status   *Status   `cbor:"3,keyasint,omitempty"`
}

// NewRequest builds a request message.
func NewRequest(id uint64, kind Kind, hashes []types.Hash, priority int32) *Message {
	return &Message{Request: &Request{
		ID:       id,
		Kind:     kind,
		Hashes:   hashes,
		Priority: priority,
	}}
}

// NewResponse builds an empty response message for the given request.
// The caller fills in the payload field matching the kind.
func NewResponse(id uint64, kind Kind) *Message {
	return &Message{Response: &Response{ID: id, Kind: kind}}
}

// NewRejection builds a response that refuses the request.
func NewRejection(id uint64, kind Kind, reason RejectReason) *Message {
	return &Message{Response: &Response{
		ID:       id,
		Kind:     kind,
		Rejected: true,
		Reason:   reason,
	}}
}

// NewStatus builds a status announcement.
func NewStatus(st Status) *Message {
	s := st
	return &Message{Status: &s}
}

// Empty reports whether the message carries nothing.
func (m *Message) Empty() bool {
	return m.Request == nil && m.Response == nil && m.Status == nil
}

// Size returns the encoded length in bytes, excluding the length
// prefix. It encodes the message to measure it.
func (m *Message) Size() int {
	data, err := types.Marshal(m)
	if err != nil {
		return 0
	}
	return len(data)
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	out := new(Message)
	if m.Request != nil {
		req := *m.Request
		req.Hashes = append([]types.Hash(nil), m.Request.Hashes...)
		out.Request = &req
	}
	if m.Response != nil {
		resp := *m.Response
		resp.Bodies = append([]*types.Body(nil), m.Response.Bodies...)
		resp.Headers = append([]*types.Header(nil), m.Response.Headers...)
		resp.Receipts = append([]types.Receipts(nil), m.Response.Receipts...)
		out.Response = &resp
	}
	if m.Status != nil {
		st := *m.Status
		out.Status = &st
	}
	return out
}

// Loggable turns the message into fields for structured logging.
func (m *Message) Loggable() map[string]interface{} {
	l := map[string]interface{}{}
	if m.Request != nil {
		l["requestID"] = m.Request.ID
		l["kind"] = m.Request.Kind.String()
		l["hashes"] = len(m.Request.Hashes)
	}
	if m.Response != nil {
		l["responseID"] = m.Response.ID
		l["items"] = m.Response.Len()
		l["rejected"] = m.Response.Rejected
	}
	if m.Status != nil {
		l["head"] = m.Status.HeadHeight
	}
	return l
}

// ToMsgio writes the message to w as a varint length prefix followed
// by its CBOR encoding.
func (m *Message) ToMsgio(w io.Writer) error {
	data, err := types.Marshal(m)
	if err != nil {
		return err
	}

	buf := pool.Get(len(data) + binary.MaxVarintLen64)
	defer pool.Put(buf)

	n := binary.PutUvarint(buf, uint64(len(data)))
	n += copy(buf[n:], data)

	_, err = w.Write(buf[:n])
	return err
}

// ToMsgioV0 writes the message in the 1.0.0 wire format, which predates
// status announcements. A status-only message encodes as empty.
func (m *Message) ToMsgioV0(w io.Writer) error {
	if m.Status == nil {
		return m.ToMsgio(w)
	}
	v0 := *m
	v0.Status = nil
	return v0.ToMsgio(w)
}

// FromNet reads a single length-prefixed message from r.
func FromNet(r io.Reader) (*Message, error) {
	reader := msgio.NewVarintReaderSize(r, defaults.MaxMessageSize)
	return FromMsgReader(reader)
}

// FromMsgReader reads a single message from a msgio reader.
func FromMsgReader(r msgio.Reader) (*Message, error) {
	data, err := r.ReadMsg()
	if err != nil {
		return nil, err
	}

	m := new(Message)
	err = types.Unmarshal(data, m)
	r.ReleaseMsg(data)
	if err != nil {
		return nil, err
	}
	return m, nil
}
