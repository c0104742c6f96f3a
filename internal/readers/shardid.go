package readers

import (
	"github.com/oriys/pulsar/internal/buffer"
	"github.com/oriys/pulsar/internal/mgmt"
	"github.com/oriys/pulsar/internal/record"
)

// ShardIDReaderName is the registered name of the shard-id reader.
const ShardIDReaderName = "ShardIDReader"

// shardIDReader emits exactly one record per shard: the local shard id.
// Distributed, it yields one record per cluster member, which makes it the
// reader for run-everywhere side-effect plans.
type shardIDReader struct {
	deps    *Deps
	emitted bool
}

func (r *shardIDReader) Next(ectx mgmt.ExecutionCtx) (record.Record, error) {
	if r.emitted {
		return nil, nil
	}
	r.emitted = true
	return record.NewString(r.deps.View.LocalID()), nil
}

func (r *shardIDReader) Serialize(w *buffer.Writer) error {
	w.WriteUvarint(0)
	return nil
}

func (r *shardIDReader) Deserialize(rd *buffer.Reader) error {
	if _, err := rd.ReadUvarint(); err != nil {
		return err
	}
	r.emitted = false
	return nil
}

// ShardIDKind manages the shard-id reader. It has no trigger surface and
// nothing to persist.
type ShardIDKind struct {
	deps *Deps
}

// NewShardIDKind builds and registers the shard-id reader kind.
func NewShardIDKind(deps *Deps) (*ShardIDKind, error) {
	k := &ShardIDKind{deps: deps}
	kind := &Kind{
		Name: ShardIDReaderName,
		Create: func(args []byte) (Reader, error) {
			rd := buffer.NewReader(args)
			r := &shardIDReader{deps: deps}
			if err := r.Deserialize(rd); err != nil {
				return nil, err
			}
			return r, nil
		},
	}
	if err := RegisterKind(kind); err != nil {
		return nil, err
	}
	return k, nil
}

// NewReader builds a shard-id reader instance.
func (k *ShardIDKind) NewReader() Reader {
	return &shardIDReader{deps: k.deps}
}
