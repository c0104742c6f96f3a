package record

import (
	"fmt"
	"sync"
)

// Record is a tagged value flowing through an execution pipeline. Ownership
// is exclusive: a step either forwards a record downstream or drops it,
// never both.
type Record interface {
	// Type returns the record's type descriptor.
	Type() *Type
}

// Type describes a record variant: a stable wire id, a display name, and the
// codec and reply hooks. New variants are added by registering a descriptor;
// ids are assigned in registration order and are stable for the process
// lifetime.
type Type struct {
	ID          int
	Name        string
	Serialize   SerializeFunc
	Deserialize DeserializeFunc
	Reply       ReplyFunc
}

var (
	typesMu     sync.RWMutex
	typesByID   []*Type
	typesByName = make(map[string]*Type)
)

// RegisterType adds a record type descriptor and assigns its wire id.
// Registration happens at startup, before any execution runs.
func RegisterType(t *Type) *Type {
	typesMu.Lock()
	defer typesMu.Unlock()
	if _, ok := typesByName[t.Name]; ok {
		panic(fmt.Sprintf("record type %q registered twice", t.Name))
	}
	t.ID = len(typesByID)
	typesByID = append(typesByID, t)
	typesByName[t.Name] = t
	return t
}

// TypeByID resolves a wire id back to its descriptor.
func TypeByID(id int) (*Type, bool) {
	typesMu.RLock()
	defer typesMu.RUnlock()
	if id < 0 || id >= len(typesByID) {
		return nil, false
	}
	return typesByID[id], true
}

// String is an owned byte string.
type String struct {
	Val []byte
}

func (r *String) Type() *Type { return stringType }

// NewString creates a string record from s.
func NewString(s string) *String { return &String{Val: []byte(s)} }

// Error carries a failure through the pipeline. It terminates the record's
// reduction at reducer and reply boundaries but otherwise travels like any
// other record so the initiator sees it.
type Error struct {
	Msg string
}

func (r *Error) Type() *Type   { return errorType }
func (r *Error) Error() string { return r.Msg }

// NewError wraps err in an error record.
func NewError(err error) *Error { return &Error{Msg: err.Error()} }

// Long is a signed integer.
type Long struct {
	Val int64
}

func (r *Long) Type() *Type { return longType }

// Double is a floating point value.
type Double struct {
	Val float64
}

func (r *Double) Type() *Type { return doubleType }

// Key pairs an owned key name with an optional value record. The key bytes
// are always non-nil; the value may be nil when the key carries no value.
type Key struct {
	Key []byte
	Val Record
}

func (r *Key) Type() *Type { return keyType }

// NewKey creates a key record. The key must be non-empty.
func NewKey(key string, val Record) *Key {
	return &Key{Key: []byte(key), Val: val}
}

// SetVal replaces the value record, taking ownership of val.
func (r *Key) SetVal(val Record) { r.Val = val }

// List is an ordered sequence of records.
type List struct {
	Items []Record
}

func (r *List) Type() *Type { return listType }

// Add appends a record, taking ownership.
func (r *List) Add(item Record) { r.Items = append(r.Items, item) }

// Len returns the number of elements.
func (r *List) Len() int { return len(r.Items) }

// HashSet maps field names to records. Field order is not significant.
type HashSet struct {
	Fields map[string]Record
}

func (r *HashSet) Type() *Type { return hashSetType }

// NewHashSet creates an empty hash-set record.
func NewHashSet() *HashSet { return &HashSet{Fields: make(map[string]Record)} }

// Set stores a field, taking ownership of val.
func (r *HashSet) Set(field string, val Record) { r.Fields[field] = val }

// Get returns the record stored under field, or nil.
func (r *HashSet) Get(field string) Record { return r.Fields[field] }

// KeyHandler is an opaque live reference into the host key space. It must be
// materialized into a plain record before crossing a shard boundary.
type KeyHandler struct {
	Handle interface{}
}

func (r *KeyHandler) Type() *Type { return keyHandlerType }

// Null is the absent value.
type Null struct{}

func (r *Null) Type() *Type { return nullType }

var nullRecord = &Null{}

// NewNull returns the shared null record.
func NewNull() *Null { return nullRecord }

var (
	stringType     *Type
	errorType      *Type
	longType       *Type
	doubleType     *Type
	keyType        *Type
	listType       *Type
	hashSetType    *Type
	keyHandlerType *Type
	nullType       *Type
	asyncType      *Type
)
