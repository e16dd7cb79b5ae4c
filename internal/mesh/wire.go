// Package mesh implements the radio-link message set: the tagged envelope
// carried inside a length-prefixed frame, the mesh packet and its decoded
// data payload, position reports, TAK packets, and chunked-payload
// fragments. These are real Meshtastic protocol messages (external to this
// module, per its scope); only the narrow subset this core touches is
// implemented here, encoded directly against the protobuf wire format
// (tag/wire-type/varint/length-delimited) via
// google.golang.org/protobuf/encoding/protowire rather than a full
// generated schema package.
package mesh

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrProtocol is raised on any wire decode failure: a truncated field or
// a bad tag.
var ErrProtocol = errors.New("mesh: protocol error")

// PortNum discriminates the payload carried in a Data message.
type PortNum uint32

const (
	PortNumPosition      PortNum = 1
	PortNumTextMessage   PortNum = 2
	PortNumAtakForwarder PortNum = 3
	PortNumAtakPlugin    PortNum = 4
)

// Priority is the mesh packet transmission priority.
type Priority uint32

const (
	PriorityDefault  Priority = 0
	PriorityReliable Priority = 1
)

// Data is the decoded payload of a mesh packet.
type Data struct {
	Portnum      PortNum
	Payload      []byte
	WantResponse bool
	Dest         uint32
	Source       uint32
	RequestID    uint32
	ReplyID      uint32
}

// MeshPacket carries routing metadata plus a decoded Data payload. Other
// payload variants (encrypted) are preserved as opaque bytes so a decode
// never fails solely because the variant isn't the one this core interprets.
type MeshPacket struct {
	From      uint32
	To        uint32
	Channel   uint32
	Decoded   *Data
	Encrypted []byte
	ID        uint32
	RxTime    uint32
	RxSNR     float32
	HopLimit  uint32
	WantAck   bool
	Priority  Priority
	RxRSSI    int32
}

// Envelope is the tagged top-level message carried by a frame. Only the
// Packet variant is interpreted by the core; every other tag observed on
// the wire is consumed without error and reported via OtherFieldNumber so
// callers can tell a non-packet envelope from a decode failure.
type Envelope struct {
	Packet           *MeshPacket
	OtherFieldNumber protowire.Number // 0 if Packet is set
}

// Position is a raw position report (PositionApp payload).
type Position struct {
	LatitudeI  int32
	LongitudeI int32
	Altitude   int32
}

// PLI is the position block embedded in a TAK packet.
type PLI struct {
	Latitude  float64
	Longitude float64
	Altitude  int32
	Speed     float32
	Course    float32
}

// TAKPacket is the contact/position/raw-CoT payload carried by AtakForwarder
// and AtakPlugin ports.
type TAKPacket struct {
	IsCompressed    bool
	ContactUID      string
	ContactCallsign string
	PLI             *PLI
	Cot             []byte
	Group           uint32
	Status          uint32
}

// ChunkedPayload is one fragment of a payload too large for a single frame.
type ChunkedPayload struct {
	PayloadID    uint32
	ChunkCount   uint32
	ChunkIndex   uint32
	PayloadChunk []byte
}

// --- generic field-skip helper -------------------------------------------------

func skipUnknown(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, fmt.Errorf("%w: skip field %d", ErrProtocol, num)
	}
	return n, nil
}

// --- Data ----------------------------------------------------------------

func (d *Data) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Portnum))
	if len(d.Payload) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Payload)
	}
	if d.WantResponse {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if d.Dest != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.Dest))
	}
	if d.Source != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.Source))
	}
	if d.RequestID != 0 {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.RequestID))
	}
	if d.ReplyID != 0 {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.ReplyID))
	}
	return b
}

func UnmarshalData(b []byte) (*Data, error) {
	d := &Data{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: data tag", ErrProtocol)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: data.portnum", ErrProtocol)
			}
			d.Portnum = PortNum(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: data.payload", ErrProtocol)
			}
			d.Payload = append([]byte(nil), v...)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: data.want_response", ErrProtocol)
			}
			d.WantResponse = v != 0
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: data.dest", ErrProtocol)
			}
			d.Dest = uint32(v)
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: data.source", ErrProtocol)
			}
			d.Source = uint32(v)
			b = b[n:]
		case 6:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: data.request_id", ErrProtocol)
			}
			d.RequestID = uint32(v)
			b = b[n:]
		case 7:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: data.reply_id", ErrProtocol)
			}
			d.ReplyID = uint32(v)
			b = b[n:]
		default:
			n, err := skipUnknown(num, typ, b)
			if err != nil {
				return nil, err
			}
			b = b[n:]
		}
	}
	return d, nil
}

// --- MeshPacket ------------------------------------------------------------

func (m *MeshPacket) Marshal() []byte {
	var b []byte
	if m.From != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.From))
	}
	if m.To != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.To))
	}
	if m.Channel != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Channel))
	}
	if m.Decoded != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Decoded.Marshal())
	} else if m.Encrypted != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Encrypted)
	}
	if m.ID != 0 {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.ID))
	}
	if m.RxTime != 0 {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.RxTime))
	}
	if m.RxSNR != 0 {
		b = protowire.AppendTag(b, 8, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.RxSNR))
	}
	if m.HopLimit != 0 {
		b = protowire.AppendTag(b, 9, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.HopLimit))
	}
	if m.WantAck {
		b = protowire.AppendTag(b, 10, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.Priority != PriorityDefault {
		b = protowire.AppendTag(b, 11, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Priority))
	}
	if m.RxRSSI != 0 {
		b = protowire.AppendTag(b, 12, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m.RxRSSI)))
	}
	return b
}

func UnmarshalMeshPacket(b []byte) (*MeshPacket, error) {
	m := &MeshPacket{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: mesh_packet tag", ErrProtocol)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: mesh_packet.from", ErrProtocol)
			}
			m.From = uint32(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: mesh_packet.to", ErrProtocol)
			}
			m.To = uint32(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: mesh_packet.channel", ErrProtocol)
			}
			m.Channel = uint32(v)
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: mesh_packet.decoded", ErrProtocol)
			}
			d, err := UnmarshalData(v)
			if err != nil {
				return nil, err
			}
			m.Decoded = d
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: mesh_packet.encrypted", ErrProtocol)
			}
			m.Encrypted = append([]byte(nil), v...)
			b = b[n:]
		case 6:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: mesh_packet.id", ErrProtocol)
			}
			m.ID = uint32(v)
			b = b[n:]
		case 7:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: mesh_packet.rx_time", ErrProtocol)
			}
			m.RxTime = uint32(v)
			b = b[n:]
		case 8:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: mesh_packet.rx_snr", ErrProtocol)
			}
			m.RxSNR = math.Float32frombits(v)
			b = b[n:]
		case 9:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: mesh_packet.hop_limit", ErrProtocol)
			}
			m.HopLimit = uint32(v)
			b = b[n:]
		case 10:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: mesh_packet.want_ack", ErrProtocol)
			}
			m.WantAck = v != 0
			b = b[n:]
		case 11:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: mesh_packet.priority", ErrProtocol)
			}
			m.Priority = Priority(v)
			b = b[n:]
		case 12:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: mesh_packet.rx_rssi", ErrProtocol)
			}
			m.RxRSSI = int32(protowire.DecodeZigZag(v))
			b = b[n:]
		default:
			n, err := skipUnknown(num, typ, b)
			if err != nil {
				return nil, err
			}
			b = b[n:]
		}
	}
	return m, nil
}

// --- Envelope ---------------------------------------------------------------

const envelopePacketField protowire.Number = 2

func (e *Envelope) Marshal() []byte {
	var b []byte
	if e.Packet != nil {
		b = protowire.AppendTag(b, envelopePacketField, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Packet.Marshal())
	}
	return b
}

func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: envelope tag", ErrProtocol)
		}
		b = b[n:]
		if num == envelopePacketField && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: envelope.packet", ErrProtocol)
			}
			mp, err := UnmarshalMeshPacket(v)
			if err != nil {
				return nil, err
			}
			e.Packet = mp
			e.OtherFieldNumber = 0
			b = b[n:]
			continue
		}
		n, err := skipUnknown(num, typ, b)
		if err != nil {
			return nil, err
		}
		if e.Packet == nil {
			e.OtherFieldNumber = num
		}
		b = b[n:]
	}
	return e, nil
}

// --- Position ----------------------------------------------------------------

func (p *Position) Marshal() []byte {
	var b []byte
	if p.LatitudeI != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.LatitudeI)))
	}
	if p.LongitudeI != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.LongitudeI)))
	}
	if p.Altitude != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.Altitude)))
	}
	return b
}

func UnmarshalPosition(b []byte) (*Position, error) {
	p := &Position{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: position tag", ErrProtocol)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: position.latitude_i", ErrProtocol)
			}
			p.LatitudeI = int32(protowire.DecodeZigZag(v))
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: position.longitude_i", ErrProtocol)
			}
			p.LongitudeI = int32(protowire.DecodeZigZag(v))
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: position.altitude", ErrProtocol)
			}
			p.Altitude = int32(protowire.DecodeZigZag(v))
			b = b[n:]
		default:
			n, err := skipUnknown(num, typ, b)
			if err != nil {
				return nil, err
			}
			b = b[n:]
		}
	}
	return p, nil
}

// --- PLI / TAKPacket ----------------------------------------------------------

func (p *PLI) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(p.Latitude))
	b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(p.Longitude))
	if p.Altitude != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.Altitude)))
	}
	if p.Speed != 0 {
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(p.Speed))
	}
	if p.Course != 0 {
		b = protowire.AppendTag(b, 5, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(p.Course))
	}
	return b
}

func unmarshalPLI(b []byte) (*PLI, error) {
	p := &PLI{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: pli tag", ErrProtocol)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: pli.latitude", ErrProtocol)
			}
			p.Latitude = math.Float64frombits(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: pli.longitude", ErrProtocol)
			}
			p.Longitude = math.Float64frombits(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: pli.altitude", ErrProtocol)
			}
			p.Altitude = int32(protowire.DecodeZigZag(v))
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: pli.speed", ErrProtocol)
			}
			p.Speed = math.Float32frombits(v)
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: pli.course", ErrProtocol)
			}
			p.Course = math.Float32frombits(v)
			b = b[n:]
		default:
			n, err := skipUnknown(num, typ, b)
			if err != nil {
				return nil, err
			}
			b = b[n:]
		}
	}
	return p, nil
}

func (t *TAKPacket) Marshal() []byte {
	var b []byte
	if t.IsCompressed {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, t.ContactUID)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, t.ContactCallsign)
	if t.PLI != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, t.PLI.Marshal())
	}
	if len(t.Cot) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, t.Cot)
	}
	if t.Group != 0 {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.Group))
	}
	if t.Status != 0 {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.Status))
	}
	return b
}

func UnmarshalTAKPacket(b []byte) (*TAKPacket, error) {
	t := &TAKPacket{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: tak_packet tag", ErrProtocol)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: tak_packet.is_compressed", ErrProtocol)
			}
			t.IsCompressed = v != 0
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: tak_packet.contact_uid", ErrProtocol)
			}
			t.ContactUID = v
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: tak_packet.contact_callsign", ErrProtocol)
			}
			t.ContactCallsign = v
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: tak_packet.pli", ErrProtocol)
			}
			pli, err := unmarshalPLI(v)
			if err != nil {
				return nil, err
			}
			t.PLI = pli
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: tak_packet.cot", ErrProtocol)
			}
			t.Cot = append([]byte(nil), v...)
			b = b[n:]
		case 6:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: tak_packet.group", ErrProtocol)
			}
			t.Group = uint32(v)
			b = b[n:]
		case 7:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: tak_packet.status", ErrProtocol)
			}
			t.Status = uint32(v)
			b = b[n:]
		default:
			n, err := skipUnknown(num, typ, b)
			if err != nil {
				return nil, err
			}
			b = b[n:]
		}
	}
	return t, nil
}

// --- ChunkedPayload ------------------------------------------------------------

func (c *ChunkedPayload) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.PayloadID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.ChunkCount))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.ChunkIndex))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, c.PayloadChunk)
	return b
}

func UnmarshalChunkedPayload(b []byte) (*ChunkedPayload, error) {
	c := &ChunkedPayload{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: chunked_payload tag", ErrProtocol)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: chunked_payload.payload_id", ErrProtocol)
			}
			c.PayloadID = uint32(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: chunked_payload.chunk_count", ErrProtocol)
			}
			c.ChunkCount = uint32(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: chunked_payload.chunk_index", ErrProtocol)
			}
			c.ChunkIndex = uint32(v)
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: chunked_payload.payload_chunk", ErrProtocol)
			}
			c.PayloadChunk = append([]byte(nil), v...)
			b = b[n:]
		default:
			n, err := skipUnknown(num, typ, b)
			if err != nil {
				return nil, err
			}
			b = b[n:]
		}
	}
	return c, nil
}
