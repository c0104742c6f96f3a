package record

import (
	"errors"
	"fmt"

	"github.com/oriys/pulsar/internal/buffer"
)

// SerializeFunc encodes a record payload (without the type id prefix).
type SerializeFunc func(w *buffer.Writer, r Record) error

// DeserializeFunc decodes a record payload.
type DeserializeFunc func(rd *buffer.Reader) (Record, error)

// ErrNotSerializable is returned for records whose content cannot cross a
// shard boundary in their current state.
var ErrNotSerializable = errors.New("record: not serializable")

// Serialize writes r as <type-id:varint><payload>. The payload is
// type-specific and recursive: container records embed inner records with
// the same scheme.
func Serialize(w *buffer.Writer, r Record) error {
	if ar, ok := r.(*Async); ok {
		// A continued async record serializes as its value; an unfilled one
		// may not cross the wire.
		v := ar.Value()
		if v == nil {
			return fmt.Errorf("serialize AsyncRecord before continuation: %w", ErrNotSerializable)
		}
		r = v
	}
	t := r.Type()
	if t.Serialize == nil {
		return fmt.Errorf("serialize %s record: %w", t.Name, ErrNotSerializable)
	}
	w.WriteUvarint(uint64(t.ID))
	return t.Serialize(w, r)
}

// Deserialize reads one record written by Serialize.
func Deserialize(rd *buffer.Reader) (Record, error) {
	id, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	t, ok := TypeByID(int(id))
	if !ok {
		return nil, fmt.Errorf("deserialize record: unknown type id %d", id)
	}
	if t.Deserialize == nil {
		return nil, fmt.Errorf("deserialize %s record: %w", t.Name, ErrNotSerializable)
	}
	return t.Deserialize(rd)
}

func init() {
	stringType = RegisterType(&Type{
		Name: "StringRecord",
		Serialize: func(w *buffer.Writer, r Record) error {
			w.WriteBytes(r.(*String).Val)
			return nil
		},
		Deserialize: func(rd *buffer.Reader) (Record, error) {
			b, err := rd.ReadBytes()
			if err != nil {
				return nil, err
			}
			return &String{Val: b}, nil
		},
		Reply: func(w ReplyWriter, r Record) {
			w.Bulk(r.(*String).Val)
		},
	})
	errorType = RegisterType(&Type{
		Name: "ErrorRecord",
		Serialize: func(w *buffer.Writer, r Record) error {
			w.WriteString(r.(*Error).Msg)
			return nil
		},
		Deserialize: func(rd *buffer.Reader) (Record, error) {
			s, err := rd.ReadString()
			if err != nil {
				return nil, err
			}
			return &Error{Msg: s}, nil
		},
		Reply: func(w ReplyWriter, r Record) {
			w.Err(r.(*Error).Msg)
		},
	})
	longType = RegisterType(&Type{
		Name: "LongRecord",
		Serialize: func(w *buffer.Writer, r Record) error {
			w.WriteVarint(r.(*Long).Val)
			return nil
		},
		Deserialize: func(rd *buffer.Reader) (Record, error) {
			v, err := rd.ReadVarint()
			if err != nil {
				return nil, err
			}
			return &Long{Val: v}, nil
		},
		Reply: func(w ReplyWriter, r Record) {
			w.Int(r.(*Long).Val)
		},
	})
	doubleType = RegisterType(&Type{
		Name: "DoubleRecord",
		Serialize: func(w *buffer.Writer, r Record) error {
			w.WriteFloat64(r.(*Double).Val)
			return nil
		},
		Deserialize: func(rd *buffer.Reader) (Record, error) {
			v, err := rd.ReadFloat64()
			if err != nil {
				return nil, err
			}
			return &Double{Val: v}, nil
		},
		Reply: func(w ReplyWriter, r Record) {
			w.Double(r.(*Double).Val)
		},
	})
	keyType = RegisterType(&Type{
		Name: "KeyRecord",
		Serialize: func(w *buffer.Writer, r Record) error {
			kr := r.(*Key)
			w.WriteBytes(kr.Key)
			if kr.Val == nil {
				w.WriteUvarint(0)
				return nil
			}
			w.WriteUvarint(1)
			return Serialize(w, kr.Val)
		},
		Deserialize: func(rd *buffer.Reader) (Record, error) {
			key, err := rd.ReadBytes()
			if err != nil {
				return nil, err
			}
			hasVal, err := rd.ReadUvarint()
			if err != nil {
				return nil, err
			}
			kr := &Key{Key: key}
			if hasVal != 0 {
				if kr.Val, err = Deserialize(rd); err != nil {
					return nil, err
				}
			}
			return kr, nil
		},
		Reply: func(w ReplyWriter, r Record) {
			kr := r.(*Key)
			w.Array(2)
			w.Bulk(kr.Key)
			if kr.Val == nil {
				w.Null()
				return
			}
			SendReply(w, kr.Val)
		},
	})
	listType = RegisterType(&Type{
		Name: "ListRecord",
		Serialize: func(w *buffer.Writer, r Record) error {
			lr := r.(*List)
			w.WriteUvarint(uint64(len(lr.Items)))
			for _, item := range lr.Items {
				if err := Serialize(w, item); err != nil {
					return err
				}
			}
			return nil
		},
		Deserialize: func(rd *buffer.Reader) (Record, error) {
			n, err := rd.ReadUvarint()
			if err != nil {
				return nil, err
			}
			lr := &List{Items: make([]Record, 0, n)}
			for i := uint64(0); i < n; i++ {
				item, err := Deserialize(rd)
				if err != nil {
					return nil, err
				}
				lr.Items = append(lr.Items, item)
			}
			return lr, nil
		},
		Reply: func(w ReplyWriter, r Record) {
			lr := r.(*List)
			w.Array(len(lr.Items))
			for _, item := range lr.Items {
				SendReply(w, item)
			}
		},
	})
	hashSetType = RegisterType(&Type{
		Name: "HashSetRecord",
		Serialize: func(w *buffer.Writer, r Record) error {
			hr := r.(*HashSet)
			w.WriteUvarint(uint64(len(hr.Fields)))
			for field, val := range hr.Fields {
				w.WriteString(field)
				if err := Serialize(w, val); err != nil {
					return err
				}
			}
			return nil
		},
		Deserialize: func(rd *buffer.Reader) (Record, error) {
			n, err := rd.ReadUvarint()
			if err != nil {
				return nil, err
			}
			hr := NewHashSet()
			for i := uint64(0); i < n; i++ {
				field, err := rd.ReadString()
				if err != nil {
					return nil, err
				}
				val, err := Deserialize(rd)
				if err != nil {
					return nil, err
				}
				hr.Fields[field] = val
			}
			return hr, nil
		},
		Reply: func(w ReplyWriter, r Record) {
			hr := r.(*HashSet)
			w.Array(len(hr.Fields) * 2)
			for field, val := range hr.Fields {
				w.Bulk([]byte(field))
				SendReply(w, val)
			}
		},
	})
	keyHandlerType = RegisterType(&Type{
		Name: "KeyHandlerRecord",
		Serialize: func(w *buffer.Writer, r Record) error {
			// A live key reference crossing a shard boundary is a bug in the
			// calling step, not a runtime condition.
			panic("record: attempt to serialize a KeyHandlerRecord")
		},
	})
	nullType = RegisterType(&Type{
		Name: "NullRecord",
		Serialize: func(w *buffer.Writer, r Record) error {
			return nil
		},
		Deserialize: func(rd *buffer.Reader) (Record, error) {
			return NewNull(), nil
		},
		Reply: func(w ReplyWriter, r Record) {
			w.Null()
		},
	})
	asyncType = RegisterType(&Type{
		Name: "AsyncRecord",
	})
}
