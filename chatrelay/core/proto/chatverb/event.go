package chatverb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/gosuda/chatrelay/chatrelay/core/cryptoops"
)

var (
	ErrInvalidEvent  = errors.New("invalid event encoding")
	ErrEventTooLarge = errors.New("event exceeds size limit")
)

const maxEventSize = 1 << 26 // 64MB, matches the packet layer

// Kind identifies the type of a field value.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindInt
	KindBool
	KindBytes
	KindList
	KindEvent
	KindPacket
)

// Value is one field value of an event.
type Value struct {
	Kind   Kind
	Str    string
	Int    int64
	Bool   bool
	Bytes  []byte
	List   []Value
	Event  *Event
	Packet *cryptoops.DataPacket
}

func StringValue(s string) Value                    { return Value{Kind: KindString, Str: s} }
func IntValue(i int64) Value                        { return Value{Kind: KindInt, Int: i} }
func BoolValue(b bool) Value                        { return Value{Kind: KindBool, Bool: b} }
func BytesValue(b []byte) Value                     { return Value{Kind: KindBytes, Bytes: b} }
func ListValue(vs []Value) Value                    { return Value{Kind: KindList, List: vs} }
func EventValue(e *Event) Value                     { return Value{Kind: KindEvent, Event: e} }
func PacketValue(p *cryptoops.DataPacket) Value     { return Value{Kind: KindPacket, Packet: p} }

// Event is a tagged message with named fields. It is the unit the transport
// frames: one event in, one event out, boundaries preserved.
type Event struct {
	Tag    string
	fields map[string]Value
}

func New(tag string) *Event {
	return &Event{Tag: tag, fields: make(map[string]Value)}
}

func (e *Event) Set(key string, v Value) *Event {
	e.fields[key] = v
	return e
}

func (e *Event) SetString(key, v string) *Event          { return e.Set(key, StringValue(v)) }
func (e *Event) SetInt(key string, v int64) *Event       { return e.Set(key, IntValue(v)) }
func (e *Event) SetBool(key string, v bool) *Event       { return e.Set(key, BoolValue(v)) }
func (e *Event) SetBytes(key string, v []byte) *Event    { return e.Set(key, BytesValue(v)) }
func (e *Event) SetList(key string, v []Value) *Event    { return e.Set(key, ListValue(v)) }
func (e *Event) SetEvent(key string, v *Event) *Event    { return e.Set(key, EventValue(v)) }
func (e *Event) SetPacket(key string, v *cryptoops.DataPacket) *Event {
	return e.Set(key, PacketValue(v))
}

func (e *Event) Has(key string) bool {
	_, ok := e.fields[key]
	return ok
}

func (e *Event) Get(key string) (Value, bool) {
	v, ok := e.fields[key]
	return v, ok
}

// Typed getters return the zero value when the field is absent or of a
// different kind.

func (e *Event) GetString(key string) string {
	if v, ok := e.fields[key]; ok && v.Kind == KindString {
		return v.Str
	}
	return ""
}

func (e *Event) GetInt(key string) int64 {
	if v, ok := e.fields[key]; ok && v.Kind == KindInt {
		return v.Int
	}
	return 0
}

func (e *Event) GetBool(key string) bool {
	if v, ok := e.fields[key]; ok && v.Kind == KindBool {
		return v.Bool
	}
	return false
}

func (e *Event) GetBytes(key string) []byte {
	if v, ok := e.fields[key]; ok && v.Kind == KindBytes {
		return v.Bytes
	}
	return nil
}

func (e *Event) GetList(key string) []Value {
	if v, ok := e.fields[key]; ok && v.Kind == KindList {
		return v.List
	}
	return nil
}

func (e *Event) GetEvent(key string) *Event {
	if v, ok := e.fields[key]; ok && v.Kind == KindEvent {
		return v.Event
	}
	return nil
}

func (e *Event) GetPacket(key string) *cryptoops.DataPacket {
	if v, ok := e.fields[key]; ok && v.Kind == KindPacket {
		return v.Packet
	}
	return nil
}

// Marshal encodes the event body. Fields are written in sorted key order so
// the encoding is deterministic.
func (e *Event) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	writeString(&buf, e.Tag)

	keys := make([]string, 0, len(e.fields))
	for k := range e.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(keys)))
	buf.Write(count[:])

	for _, k := range keys {
		writeString(&buf, k)
		if err := writeValue(&buf, e.fields[k]); err != nil {
			return nil, err
		}
	}
	if buf.Len() > maxEventSize {
		return nil, ErrEventTooLarge
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes an event body produced by Marshal.
func Unmarshal(data []byte) (*Event, error) {
	r := bytes.NewReader(data)
	ev, err := readEventBody(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidEvent, r.Len())
	}
	return ev, nil
}

func readEventBody(r *bytes.Reader) (*Event, error) {
	tag, err := readString(r)
	if err != nil {
		return nil, err
	}
	var count [4]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	n := int(binary.BigEndian.Uint32(count[:]))
	if n > r.Len() {
		return nil, fmt.Errorf("%w: field count %d exceeds %d remaining bytes", ErrInvalidEvent, n, r.Len())
	}

	ev := New(tag)
	for i := 0; i < n; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readValue(r)
		if err != nil {
			return nil, err
		}
		ev.fields[key] = v
	}
	return ev, nil
}

func writeValue(buf *bytes.Buffer, v Value) error {
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case KindString:
		writeString(buf, v.Str)
	case KindInt:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int))
		buf.Write(b[:])
	case KindBool:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindBytes:
		writeBytes(buf, v.Bytes)
	case KindList:
		var count [4]byte
		binary.BigEndian.PutUint32(count[:], uint32(len(v.List)))
		buf.Write(count[:])
		for _, item := range v.List {
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
	case KindEvent:
		body, err := v.Event.Marshal()
		if err != nil {
			return err
		}
		writeBytes(buf, body)
	case KindPacket:
		writeBytes(buf, v.Packet.Marshal())
	default:
		return fmt.Errorf("%w: unknown value kind %d", ErrInvalidEvent, v.Kind)
	}
	return nil
}

func readValue(r *bytes.Reader) (Value, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	switch Kind(kindByte) {
	case KindString:
		s, err := readString(r)
		if err != nil {
			return Value{}, err
		}
		return StringValue(s), nil
	case KindInt:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return IntValue(int64(binary.BigEndian.Uint64(b[:]))), nil
	case KindBool:
		b, err := r.ReadByte()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return BoolValue(b == 1), nil
	case KindBytes:
		b, err := readBytes(r)
		if err != nil {
			return Value{}, err
		}
		return BytesValue(b), nil
	case KindList:
		var count [4]byte
		if _, err := io.ReadFull(r, count[:]); err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		n := int(binary.BigEndian.Uint32(count[:]))
		// Every element takes at least its kind byte, so a count beyond the
		// remaining input is a lie; reject it before allocating anything.
		if n > r.Len() {
			return Value{}, fmt.Errorf("%w: list count %d exceeds %d remaining bytes", ErrInvalidEvent, n, r.Len())
		}
		capHint := n
		if capHint > 1024 {
			capHint = 1024
		}
		list := make([]Value, 0, capHint)
		for i := 0; i < n; i++ {
			item, err := readValue(r)
			if err != nil {
				return Value{}, err
			}
			list = append(list, item)
		}
		return ListValue(list), nil
	case KindEvent:
		body, err := readBytes(r)
		if err != nil {
			return Value{}, err
		}
		ev, err := Unmarshal(body)
		if err != nil {
			return Value{}, err
		}
		return EventValue(ev), nil
	case KindPacket:
		body, err := readBytes(r)
		if err != nil {
			return Value{}, err
		}
		packet, err := cryptoops.UnmarshalDataPacket(body)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return PacketValue(packet), nil
	}
	return Value{}, fmt.Errorf("%w: unknown value kind %d", ErrInvalidEvent, kindByte)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, data []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	buf.Write(length[:])
	buf.Write(data)
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	n := int(binary.BigEndian.Uint32(length[:]))
	if n > maxEventSize {
		return nil, ErrEventTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return data, nil
}

// WriteEvent frames a single event onto the stream with a 4-byte big-endian
// length prefix.
func WriteEvent(w io.Writer, ev *Event) error {
	body, err := ev.Marshal()
	if err != nil {
		return err
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(body)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadEvent reads one length-prefixed event frame from the stream.
func ReadEvent(r io.Reader) (*Event, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(length[:]))
	if n > maxEventSize {
		return nil, ErrEventTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Unmarshal(body)
}
