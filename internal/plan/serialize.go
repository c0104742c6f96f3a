package plan

import (
	"fmt"
	"time"

	"github.com/oriys/pulsar/internal/buffer"
	"github.com/oriys/pulsar/internal/mgmt"
)

// EncodingVersion is the current plan wire version. Deserialization gates on
// it so older snapshots keep loading as fields are added.
const EncodingVersion = 1

func argTypeFor(kind StepKind, callback string) *mgmt.ArgType {
	switch kind {
	case KindMap, KindFlatMap:
		return mgmt.Maps.ArgTypeOf(callback)
	case KindFilter:
		return mgmt.Filters.ArgTypeOf(callback)
	case KindExtractKey:
		return mgmt.Extractors.ArgTypeOf(callback)
	case KindReduce:
		return mgmt.Reducers.ArgTypeOf(callback)
	case KindAccumulate:
		return mgmt.Accumulators.ArgTypeOf(callback)
	case KindAccumulateByKey:
		return mgmt.AccumulatorsByKey.ArgTypeOf(callback)
	case KindForEach:
		return mgmt.ForEachs.ArgTypeOf(callback)
	}
	return nil
}

func serializeArg(w *buffer.Writer, t *mgmt.ArgType, arg interface{}) error {
	if arg == nil || t == nil || t.Serialize == nil {
		w.WriteUvarint(0)
		return nil
	}
	w.WriteUvarint(1)
	w.WriteUvarint(uint64(t.Version))
	return t.Serialize(w, arg)
}

func deserializeArg(rd *buffer.Reader, t *mgmt.ArgType) (interface{}, error) {
	has, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if has == 0 {
		return nil, nil
	}
	version, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if t == nil || t.Deserialize == nil {
		return nil, fmt.Errorf("no arg type available to decode step argument")
	}
	if int(version) > t.Version {
		return nil, fmt.Errorf("arg type %s: encoded version %d newer than supported %d", t.Name, version, t.Version)
	}
	return t.Deserialize(rd, int(version))
}

func serializeCallback(w *buffer.Writer, reg interface{ ArgTypeOf(string) *mgmt.ArgType }, cb *Callback) error {
	if cb == nil {
		w.WriteUvarint(0)
		return nil
	}
	w.WriteUvarint(1)
	w.WriteString(cb.Name)
	return serializeArg(w, reg.ArgTypeOf(cb.Name), cb.Arg)
}

func deserializeCallback(rd *buffer.Reader, reg interface{ ArgTypeOf(string) *mgmt.ArgType }) (*Callback, error) {
	has, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if has == 0 {
		return nil, nil
	}
	name, err := rd.ReadString()
	if err != nil {
		return nil, err
	}
	arg, err := deserializeArg(rd, reg.ArgTypeOf(name))
	if err != nil {
		return nil, err
	}
	return &Callback{Name: name, Arg: arg}, nil
}

// Serialize encodes the plan for shard distribution or registration
// persistence.
func (fep *FlatExecutionPlan) Serialize(w *buffer.Writer) error {
	w.WriteUvarint(EncodingVersion)
	w.WriteString(fep.ID)
	w.WriteString(fep.Desc)
	w.WriteString(fep.ReaderName)
	w.WriteBytes(fep.ReaderArgs)

	w.WriteUvarint(uint64(len(fep.Steps)))
	for _, s := range fep.Steps {
		w.WriteUvarint(uint64(s.Kind))
		w.WriteString(s.Callback)
		if s.Kind == KindLimit {
			args, ok := s.Arg.(*LimitArgs)
			if !ok {
				return fmt.Errorf("limit step carries %T, want *LimitArgs", s.Arg)
			}
			w.WriteVarint(args.First)
			w.WriteVarint(args.Count)
			continue
		}
		if err := serializeArg(w, argTypeFor(s.Kind, s.Callback), s.Arg); err != nil {
			return fmt.Errorf("serialize %s step %q: %w", s.Kind, s.Callback, err)
		}
	}

	if err := serializeCallback(w, mgmt.OnStarts, fep.OnStart); err != nil {
		return err
	}
	if err := serializeCallback(w, mgmt.OnUnpauseds, fep.OnUnpaused); err != nil {
		return err
	}
	if err := serializeCallback(w, mgmt.OnRegistereds, fep.OnRegistered); err != nil {
		return err
	}
	if err := serializeCallback(w, mgmt.OnUnregistereds, fep.OnUnregistered); err != nil {
		return err
	}

	w.WriteString(fep.PrivateDataTypeName)
	if fep.PrivateDataTypeName != "" {
		t, ok := mgmt.PrivateDataType(fep.PrivateDataTypeName)
		if !ok {
			return fmt.Errorf("private data type %q not registered", fep.PrivateDataTypeName)
		}
		if err := serializeArg(w, t, fep.PrivateData); err != nil {
			return fmt.Errorf("serialize private data: %w", err)
		}
	}

	w.WriteVarint(fep.MaxIdle.Milliseconds())
	w.WriteString(fep.PoolName)
	return nil
}

// Deserialize decodes a plan written by Serialize. The returned plan holds
// one reference.
func Deserialize(rd *buffer.Reader) (*FlatExecutionPlan, error) {
	version, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if version > EncodingVersion {
		return nil, fmt.Errorf("plan encoded with version %d, newest supported is %d", version, EncodingVersion)
	}

	fep := &FlatExecutionPlan{}
	fep.refCount.Store(1)
	if fep.ID, err = rd.ReadString(); err != nil {
		return nil, err
	}
	if fep.Desc, err = rd.ReadString(); err != nil {
		return nil, err
	}
	if fep.ReaderName, err = rd.ReadString(); err != nil {
		return nil, err
	}
	if fep.ReaderArgs, err = rd.ReadBytes(); err != nil {
		return nil, err
	}

	nSteps, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < nSteps; i++ {
		var s Step
		kind, err := rd.ReadUvarint()
		if err != nil {
			return nil, err
		}
		s.Kind = StepKind(kind)
		if s.Callback, err = rd.ReadString(); err != nil {
			return nil, err
		}
		if s.Kind == KindLimit {
			args := &LimitArgs{}
			if args.First, err = rd.ReadVarint(); err != nil {
				return nil, err
			}
			if args.Count, err = rd.ReadVarint(); err != nil {
				return nil, err
			}
			s.Arg = args
		} else {
			if s.Arg, err = deserializeArg(rd, argTypeFor(s.Kind, s.Callback)); err != nil {
				return nil, fmt.Errorf("deserialize %s step %q: %w", s.Kind, s.Callback, err)
			}
		}
		fep.Steps = append(fep.Steps, s)
	}

	if fep.OnStart, err = deserializeCallback(rd, mgmt.OnStarts); err != nil {
		return nil, err
	}
	if fep.OnUnpaused, err = deserializeCallback(rd, mgmt.OnUnpauseds); err != nil {
		return nil, err
	}
	if fep.OnRegistered, err = deserializeCallback(rd, mgmt.OnRegistereds); err != nil {
		return nil, err
	}
	if fep.OnUnregistered, err = deserializeCallback(rd, mgmt.OnUnregistereds); err != nil {
		return nil, err
	}

	if fep.PrivateDataTypeName, err = rd.ReadString(); err != nil {
		return nil, err
	}
	if fep.PrivateDataTypeName != "" {
		t, ok := mgmt.PrivateDataType(fep.PrivateDataTypeName)
		if !ok {
			return nil, fmt.Errorf("private data type %q not registered", fep.PrivateDataTypeName)
		}
		if fep.PrivateData, err = deserializeArg(rd, t); err != nil {
			return nil, fmt.Errorf("deserialize private data: %w", err)
		}
	}

	idleMs, err := rd.ReadVarint()
	if err != nil {
		return nil, err
	}
	fep.MaxIdle = time.Duration(idleMs) * time.Millisecond
	if fep.PoolName, err = rd.ReadString(); err != nil {
		return nil, err
	}
	return fep, nil
}
