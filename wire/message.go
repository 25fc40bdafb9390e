package wire

import "github.com/richard-shepherd/MessagingMesh/cmn/xerrors"

// Action identifies the frame's purpose; it is the first byte of every
// frame's payload.
type Action uint8

const (
	ActionConnect Action = iota + 1
	ActionConnectMeshPeer
	ActionAck
	ActionSubscribe
	ActionUnsubscribe
	ActionPublish // aka SendMessage
	ActionDisconnect
)

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "CONNECT"
	case ActionConnectMeshPeer:
		return "CONNECT_MESH_PEER"
	case ActionAck:
		return "ACK"
	case ActionSubscribe:
		return "SUBSCRIBE"
	case ActionUnsubscribe:
		return "UNSUBSCRIBE"
	case ActionPublish:
		return "PUBLISH"
	case ActionDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// TypeTag identifies a Field's on-wire value shape. Values are normative for
// interop.
type TypeTag uint8

const (
	TypeString  TypeTag = 0x01
	TypeInt32   TypeTag = 0x02
	TypeUint32  TypeTag = 0x03
	TypeInt64   TypeTag = 0x04
	TypeUint64  TypeTag = 0x05
	TypeDouble  TypeTag = 0x06
	TypeMessage TypeTag = 0x07
	TypeBool    TypeTag = 0x08
	TypeBlob    TypeTag = 0x09
)

// Header is the fixed-shape portion of every frame's payload: action,
// subscription-id, subject and reply-subject. For non-publish actions the
// body (beyond the header) is empty.
type Header struct {
	Action          Action
	SubscriptionID  uint32
	Subject         string
	ReplySubject    string
}

// WriteHeader serializes h and returns the byte offset, within b, of the
// subscription-id field — the slot the socket layer patches per-recipient
// during write coalescing.
func WriteHeader(b *Builder, h Header) (subIDOffset int) {
	b.WriteUint8(uint8(h.Action))
	subIDOffset = b.Offset()
	b.WriteUint32(h.SubscriptionID)
	b.WriteString(h.Subject)
	b.WriteString(h.ReplySubject)
	return subIDOffset
}

// ReadHeader deserializes a Header from the front of r.
func ReadHeader(r *Reader) (Header, error) {
	var h Header
	act, err := r.ReadUint8()
	if err != nil {
		return h, err
	}
	h.Action = Action(act)
	if h.SubscriptionID, err = r.ReadUint32(); err != nil {
		return h, err
	}
	if h.Subject, err = r.ReadString(); err != nil {
		return h, err
	}
	if h.ReplySubject, err = r.ReadString(); err != nil {
		return h, err
	}
	return h, nil
}

// Field is one named, typed value inside a Message.
type Field struct {
	Name  string
	Type  TypeTag
	Value any // string, int32, uint32, int64, uint64, float64, bool, []byte, or *Message
}

// Message is a count-prefixed, ordered sequence of Fields — the body of a
// Publish frame. Field/BLOB-level convenience accessors beyond this
// serialization contract are out of this spec's scope (see spec.md §1).
type Message struct {
	Fields []Field
}

func (m *Message) Add(name string, tag TypeTag, value any) {
	m.Fields = append(m.Fields, Field{Name: name, Type: tag, Value: value})
}

// Get returns the first field with the given name, if any.
func (m *Message) Get(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// WriteMessage serializes m onto b.
func WriteMessage(b *Builder, m *Message) error {
	b.WriteUint32(uint32(len(m.Fields)))
	for _, f := range m.Fields {
		b.WriteString(f.Name)
		b.WriteUint8(uint8(f.Type))
		if err := writeValue(b, f.Type, f.Value); err != nil {
			return err
		}
	}
	return nil
}

func writeValue(b *Builder, tag TypeTag, v any) error {
	switch tag {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return xerrors.New(xerrors.InternalInvariant, "field tagged String has %T value", v)
		}
		b.WriteString(s)
	case TypeInt32:
		n, ok := v.(int32)
		if !ok {
			return xerrors.New(xerrors.InternalInvariant, "field tagged Int32 has %T value", v)
		}
		b.WriteInt32(n)
	case TypeUint32:
		n, ok := v.(uint32)
		if !ok {
			return xerrors.New(xerrors.InternalInvariant, "field tagged Uint32 has %T value", v)
		}
		b.WriteUint32(n)
	case TypeInt64:
		n, ok := v.(int64)
		if !ok {
			return xerrors.New(xerrors.InternalInvariant, "field tagged Int64 has %T value", v)
		}
		b.WriteInt64(n)
	case TypeUint64:
		n, ok := v.(uint64)
		if !ok {
			return xerrors.New(xerrors.InternalInvariant, "field tagged Uint64 has %T value", v)
		}
		b.WriteUint64(n)
	case TypeDouble:
		f, ok := v.(float64)
		if !ok {
			return xerrors.New(xerrors.InternalInvariant, "field tagged Double has %T value", v)
		}
		b.WriteDouble(f)
	case TypeBool:
		bl, ok := v.(bool)
		if !ok {
			return xerrors.New(xerrors.InternalInvariant, "field tagged Bool has %T value", v)
		}
		b.WriteBool(bl)
	case TypeBlob:
		p, ok := v.([]byte)
		if !ok {
			return xerrors.New(xerrors.InternalInvariant, "field tagged Blob has %T value", v)
		}
		b.WriteBlob(p)
	case TypeMessage:
		nested, ok := v.(*Message)
		if !ok {
			return xerrors.New(xerrors.InternalInvariant, "field tagged Message has %T value", v)
		}
		return WriteMessage(b, nested)
	default:
		return xerrors.New(xerrors.ProtocolViolation, "unknown type tag 0x%02x", uint8(tag))
	}
	return nil
}

// ReadMessage deserializes a Message from the front of r.
func ReadMessage(r *Reader) (*Message, error) {
	count, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	m := &Message{Fields: make([]Field, 0, count)}
	for i := uint32(0); i < count; i++ {
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		tagByte, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		tag := TypeTag(tagByte)
		val, err := readValue(r, tag)
		if err != nil {
			return nil, err
		}
		m.Fields = append(m.Fields, Field{Name: name, Type: tag, Value: val})
	}
	return m, nil
}

func readValue(r *Reader, tag TypeTag) (any, error) {
	switch tag {
	case TypeString:
		return r.ReadString()
	case TypeInt32:
		return r.ReadInt32()
	case TypeUint32:
		return r.ReadUint32()
	case TypeInt64:
		return r.ReadInt64()
	case TypeUint64:
		return r.ReadUint64()
	case TypeDouble:
		return r.ReadDouble()
	case TypeBool:
		return r.ReadBool()
	case TypeBlob:
		p, err := r.ReadBlob()
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(p))
		copy(cp, p)
		return cp, nil
	case TypeMessage:
		return ReadMessage(r)
	default:
		return nil, xerrors.New(xerrors.ProtocolViolation, "unknown type tag 0x%02x", uint8(tag))
	}
}

// EncodeFrame builds a complete wire frame for a header plus an optional
// publish body (nil for control frames).
func EncodeFrame(h Header, body *Message) ([]byte, int, error) {
	b := NewBuilder()
	subIDOffset := WriteHeader(b, h)
	if body != nil {
		if err := WriteMessage(b, body); err != nil {
			return nil, 0, err
		}
	}
	return b.Bytes(), subIDOffset, nil
}

// DecodeFrame parses a frame payload (length prefix already stripped) into a
// header and, for Publish frames, a body.
func DecodeFrame(payload []byte) (Header, *Message, error) {
	r := NewReader(payload)
	h, err := ReadHeader(r)
	if err != nil {
		return h, nil, err
	}
	if h.Action != ActionPublish {
		return h, nil, nil
	}
	body, err := ReadMessage(r)
	return h, body, err
}
