package execution

import (
	"fmt"
	"time"

	"github.com/oriys/pulsar/internal/buffer"
	"github.com/oriys/pulsar/internal/cluster"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/mgmt"
	"github.com/oriys/pulsar/internal/plan"
	"github.com/oriys/pulsar/internal/readers"
	"github.com/oriys/pulsar/internal/record"
)

type stepOutcome int

const (
	outOK stepOutcome = iota
	outExhausted
	outSuspend
	outSuspendNoTimeout
)

// step mirrors one flat step plus its operator-specific runtime state.
// Steps are stored with the pipeline output at index 0 and the reader last;
// step i pulls its input from step i+1.
type step struct {
	def plan.Step
	idx int

	// reader (tail step only)
	reader readers.Reader

	// resolved callbacks
	mapCB     mgmt.MapCallback
	filterCB  mgmt.FilterCallback
	extractCB mgmt.ExtractorCallback
	reduceCB  mgmt.ReducerCallback
	accCB     mgmt.AccumulateCallback
	accByKey  mgmt.AccumulateByKeyCallback
	forEachCB mgmt.ForEachCallback

	// flat-map drain state
	flatPending *record.List
	flatPos     int

	// group / accumulate-by-key state
	groups   map[string]*record.List
	keyOrder []string
	grouped  bool
	emitPos  int
	accums   map[string]record.Record

	// accumulate state
	accumulator record.Record
	accDone     bool

	// limit state
	limitIdx int64

	// repartition / collect state
	stopped         bool
	pendings        []record.Record
	shardsCompleted int

	// async continuation state
	pendingAsync *record.Async
	stashKey     string
}

// buildSteps materializes the physical chain for fep: flat steps reversed so
// index 0 is the pipeline output, with the reader appended at the tail.
func buildSteps(fep *plan.FlatExecutionPlan, r readers.Reader) ([]*step, error) {
	steps := make([]*step, 0, len(fep.Steps)+1)
	for i := len(fep.Steps) - 1; i >= 0; i-- {
		def := fep.Steps[i]
		s := &step{def: def}
		var ok bool
		switch def.Kind {
		case plan.KindMap, plan.KindFlatMap:
			if s.mapCB, ok = mgmt.Maps.Get(def.Callback); !ok {
				return nil, fmt.Errorf("map callback %q not registered", def.Callback)
			}
		case plan.KindFilter:
			if s.filterCB, ok = mgmt.Filters.Get(def.Callback); !ok {
				return nil, fmt.Errorf("filter callback %q not registered", def.Callback)
			}
		case plan.KindExtractKey:
			if s.extractCB, ok = mgmt.Extractors.Get(def.Callback); !ok {
				return nil, fmt.Errorf("extractor callback %q not registered", def.Callback)
			}
		case plan.KindReduce:
			if s.reduceCB, ok = mgmt.Reducers.Get(def.Callback); !ok {
				return nil, fmt.Errorf("reducer callback %q not registered", def.Callback)
			}
		case plan.KindAccumulate:
			if s.accCB, ok = mgmt.Accumulators.Get(def.Callback); !ok {
				return nil, fmt.Errorf("accumulator callback %q not registered", def.Callback)
			}
		case plan.KindAccumulateByKey:
			if s.accByKey, ok = mgmt.AccumulatorsByKey.Get(def.Callback); !ok {
				return nil, fmt.Errorf("accumulate-by-key callback %q not registered", def.Callback)
			}
		case plan.KindForEach:
			if s.forEachCB, ok = mgmt.ForEachs.Get(def.Callback); !ok {
				return nil, fmt.Errorf("for-each callback %q not registered", def.Callback)
			}
		case plan.KindGroup, plan.KindRepartition, plan.KindCollect, plan.KindLimit:
			// no callback to resolve
		default:
			return nil, fmt.Errorf("unsupported step kind %s", def.Kind)
		}
		steps = append(steps, s)
	}
	tail := &step{def: plan.Step{Kind: plan.KindReader}, reader: r}
	steps = append(steps, tail)
	for i, s := range steps {
		s.idx = i
	}
	return steps, nil
}

func pipelineError(format string, args ...interface{}) *record.Error {
	msg := fmt.Sprintf(format, args...)
	logging.Op().Warn("pipeline error", "error", msg)
	return &record.Error{Msg: msg}
}

// resolveAsync handles a callback output that may be an unfilled async
// placeholder. It returns (value, outOK) when the record is usable now and
// (nil, outSuspend) after parking the step on the continuation.
func (ep *Plan) resolveAsync(s *step, out record.Record) (record.Record, stepOutcome) {
	ar, ok := out.(*record.Async)
	if !ok {
		return out, outOK
	}
	if v := ar.Value(); v != nil {
		return v, outOK
	}
	s.pendingAsync = ar
	ar.SetNotify(func(record.Record) { ep.schedule() })
	return nil, outSuspend
}

// takeAsync returns the continued value of a previously parked async
// record, or (nil, outSuspend) when it is still pending.
func (ep *Plan) takeAsync(s *step) (record.Record, stepOutcome) {
	v := s.pendingAsync.Value()
	if v == nil {
		return nil, outSuspend
	}
	s.pendingAsync = nil
	return v, outOK
}

// stepNext produces the next record from step i. The engine lock is held.
func (ep *Plan) stepNext(i int, ec ectx) (record.Record, stepOutcome) {
	s := ep.steps[i]
	if !ep.env.Cfg.ProfileExecutions() {
		return ep.stepNextInner(s, i, ec)
	}
	start := time.Now()
	rec, out := ep.stepNextInner(s, i, ec)
	ep.stepDurations[i] += time.Since(start)
	return rec, out
}

func (ep *Plan) stepNextInner(s *step, i int, ec ectx) (record.Record, stepOutcome) {
	switch s.def.Kind {
	case plan.KindReader:
		return ep.readerNext(s, ec)
	case plan.KindMap:
		return ep.mapNext(s, i, ec)
	case plan.KindFlatMap:
		return ep.flatMapNext(s, i, ec)
	case plan.KindFilter:
		return ep.filterNext(s, i, ec)
	case plan.KindExtractKey:
		return ep.extractNext(s, i, ec)
	case plan.KindForEach:
		return ep.forEachNext(s, i, ec)
	case plan.KindLimit:
		return ep.limitNext(s, i, ec)
	case plan.KindGroup:
		return ep.groupNext(s, i, ec)
	case plan.KindReduce:
		return ep.reduceNext(s, i, ec)
	case plan.KindAccumulate:
		return ep.accumulateNext(s, i, ec)
	case plan.KindAccumulateByKey:
		return ep.accumulateByKeyNext(s, i, ec)
	case plan.KindRepartition:
		return ep.repartitionNext(s, i, ec)
	case plan.KindCollect:
		return ep.collectNext(s, i, ec)
	}
	return pipelineError("unknown step kind %s", s.def.Kind), outOK
}

func (ep *Plan) readerNext(s *step, ec ectx) (record.Record, stepOutcome) {
	rec, err := s.reader.Next(ec)
	if err != nil {
		// A failed read surfaces as an error record; the reader is asked
		// for its next record on the following call.
		return record.NewError(err), outOK
	}
	if rec == nil {
		return nil, outExhausted
	}
	return rec, outOK
}

func (ep *Plan) mapNext(s *step, i int, ec ectx) (record.Record, stepOutcome) {
	if s.pendingAsync != nil {
		return ep.takeAsync(s)
	}
	rec, out := ep.stepNext(i+1, ec)
	if out != outOK {
		return nil, out
	}
	if _, isErr := rec.(*record.Error); isErr {
		return rec, outOK
	}
	mapped, err := s.mapCB(ec, rec, s.def.Arg)
	if err != nil {
		return record.NewError(err), outOK
	}
	return ep.resolveAsync(s, mapped)
}

func (ep *Plan) flatMapNext(s *step, i int, ec ectx) (record.Record, stepOutcome) {
	for {
		if s.flatPending != nil {
			if s.flatPos < s.flatPending.Len() {
				item := s.flatPending.Items[s.flatPos]
				s.flatPos++
				return item, outOK
			}
			s.flatPending = nil
			s.flatPos = 0
		}
		var mapped record.Record
		if s.pendingAsync != nil {
			var out stepOutcome
			if mapped, out = ep.takeAsync(s); out != outOK {
				return nil, out
			}
		} else {
			rec, out := ep.stepNext(i+1, ec)
			if out != outOK {
				return nil, out
			}
			if _, isErr := rec.(*record.Error); isErr {
				return rec, outOK
			}
			var err error
			if mapped, err = s.mapCB(ec, rec, s.def.Arg); err != nil {
				return record.NewError(err), outOK
			}
			var aout stepOutcome
			if mapped, aout = ep.resolveAsync(s, mapped); aout != outOK {
				return nil, aout
			}
		}
		if lr, ok := mapped.(*record.List); ok {
			s.flatPending = lr
			s.flatPos = 0
			continue
		}
		return mapped, outOK
	}
}

func (ep *Plan) filterNext(s *step, i int, ec ectx) (record.Record, stepOutcome) {
	for {
		rec, out := ep.stepNext(i+1, ec)
		if out != outOK {
			return nil, out
		}
		if _, isErr := rec.(*record.Error); isErr {
			return rec, outOK
		}
		keep, err := s.filterCB(ec, rec, s.def.Arg)
		if err != nil {
			return record.NewError(err), outOK
		}
		if keep {
			return rec, outOK
		}
	}
}

func (ep *Plan) extractNext(s *step, i int, ec ectx) (record.Record, stepOutcome) {
	rec, out := ep.stepNext(i+1, ec)
	if out != outOK {
		return nil, out
	}
	if _, isErr := rec.(*record.Error); isErr {
		return rec, outOK
	}
	key, err := s.extractCB(ec, rec, s.def.Arg)
	if err != nil {
		return record.NewError(err), outOK
	}
	return record.NewKey(key, rec), outOK
}

func (ep *Plan) forEachNext(s *step, i int, ec ectx) (record.Record, stepOutcome) {
	rec, out := ep.stepNext(i+1, ec)
	if out != outOK {
		return nil, out
	}
	if _, isErr := rec.(*record.Error); isErr {
		return rec, outOK
	}
	if err := s.forEachCB(ec, rec, s.def.Arg); err != nil {
		return record.NewError(err), outOK
	}
	return rec, outOK
}

func (ep *Plan) limitNext(s *step, i int, ec ectx) (record.Record, stepOutcome) {
	args, ok := s.def.Arg.(*plan.LimitArgs)
	if !ok {
		return pipelineError("limit step carries %T, want *LimitArgs", s.def.Arg), outOK
	}
	for {
		if s.limitIdx >= args.First+args.Count {
			return nil, outExhausted
		}
		rec, out := ep.stepNext(i+1, ec)
		if out != outOK {
			return nil, out
		}
		if _, isErr := rec.(*record.Error); isErr {
			return rec, outOK
		}
		idx := s.limitIdx
		s.limitIdx++
		if idx < args.First {
			continue
		}
		return rec, outOK
	}
}

func (ep *Plan) groupNext(s *step, i int, ec ectx) (record.Record, stepOutcome) {
	if !s.grouped {
		if s.groups == nil {
			s.groups = make(map[string]*record.List)
		}
		for {
			rec, out := ep.stepNext(i+1, ec)
			if out == outExhausted {
				break
			}
			if out != outOK {
				return nil, out
			}
			if _, isErr := rec.(*record.Error); isErr {
				return rec, outOK
			}
			kr, ok := rec.(*record.Key)
			if !ok {
				return pipelineError("group step expects a KeyRecord, got %s", rec.Type().Name), outOK
			}
			key := string(kr.Key)
			lst, ok := s.groups[key]
			if !ok {
				lst = &record.List{}
				s.groups[key] = lst
				s.keyOrder = append(s.keyOrder, key)
			}
			lst.Add(kr.Val)
		}
		s.grouped = true
	}
	if s.emitPos >= len(s.keyOrder) {
		return nil, outExhausted
	}
	key := s.keyOrder[s.emitPos]
	s.emitPos++
	return record.NewKey(key, s.groups[key]), outOK
}

func (ep *Plan) reduceNext(s *step, i int, ec ectx) (record.Record, stepOutcome) {
	if s.pendingAsync != nil {
		v, aout := ep.takeAsync(s)
		if aout != outOK {
			return nil, aout
		}
		return record.NewKey(s.stashKey, v), outOK
	}
	rec, out := ep.stepNext(i+1, ec)
	if out != outOK {
		return nil, out
	}
	if _, isErr := rec.(*record.Error); isErr {
		return rec, outOK
	}
	kr, ok := rec.(*record.Key)
	if !ok {
		return pipelineError("reduce step expects a KeyRecord, got %s", rec.Type().Name), outOK
	}
	lst, ok := kr.Val.(*record.List)
	if !ok {
		return pipelineError("reduce step expects a grouped ListRecord value for key %q", string(kr.Key)), outOK
	}
	reduced, err := s.reduceCB(ec, string(kr.Key), lst, s.def.Arg)
	if err != nil {
		return record.NewError(err), outOK
	}
	v, aout := ep.resolveAsync(s, reduced)
	if aout != outOK {
		s.stashKey = string(kr.Key)
		return nil, aout
	}
	return record.NewKey(string(kr.Key), v), outOK
}

func (ep *Plan) accumulateNext(s *step, i int, ec ectx) (record.Record, stepOutcome) {
	for {
		if s.pendingAsync != nil {
			v, aout := ep.takeAsync(s)
			if aout != outOK {
				return nil, aout
			}
			s.accumulator = v
		}
		if s.accDone {
			return nil, outExhausted
		}
		rec, out := ep.stepNext(i+1, ec)
		if out == outExhausted {
			s.accDone = true
			if s.accumulator == nil {
				return nil, outExhausted
			}
			acc := s.accumulator
			s.accumulator = nil
			return acc, outOK
		}
		if out != outOK {
			return nil, out
		}
		if _, isErr := rec.(*record.Error); isErr {
			return rec, outOK
		}
		acc, err := s.accCB(ec, s.accumulator, rec, s.def.Arg)
		if err != nil {
			return record.NewError(err), outOK
		}
		v, aout := ep.resolveAsync(s, acc)
		if aout != outOK {
			return nil, aout
		}
		s.accumulator = v
	}
}

func (ep *Plan) accumulateByKeyNext(s *step, i int, ec ectx) (record.Record, stepOutcome) {
	if !s.grouped {
		if s.accums == nil {
			s.accums = make(map[string]record.Record)
		}
		for {
			var key string
			var val record.Record
			if s.pendingAsync != nil {
				v, aout := ep.takeAsync(s)
				if aout != outOK {
					return nil, aout
				}
				s.accums[s.stashKey] = v
				continue
			}
			rec, out := ep.stepNext(i+1, ec)
			if out == outExhausted {
				break
			}
			if out != outOK {
				return nil, out
			}
			if _, isErr := rec.(*record.Error); isErr {
				return rec, outOK
			}
			kr, ok := rec.(*record.Key)
			if !ok {
				return pipelineError("accumulate-by-key step expects a KeyRecord, got %s", rec.Type().Name), outOK
			}
			key = string(kr.Key)
			val = kr.Val
			prev, seen := s.accums[key]
			if _, failed := prev.(*record.Error); failed {
				continue
			}
			acc, err := s.accByKey(ec, key, prev, val, s.def.Arg)
			if err != nil {
				// The failing key's reduction ends here: its later records
				// are skipped and it is not emitted; other keys keep
				// accumulating.
				s.accums[key] = record.NewError(err)
				for j, k := range s.keyOrder {
					if k == key {
						s.keyOrder = append(s.keyOrder[:j], s.keyOrder[j+1:]...)
						break
					}
				}
				return record.NewError(err), outOK
			}
			v, aout := ep.resolveAsync(s, acc)
			if aout != outOK {
				s.stashKey = key
				if !seen {
					s.keyOrder = append(s.keyOrder, key)
				}
				return nil, aout
			}
			if !seen {
				s.keyOrder = append(s.keyOrder, key)
			}
			s.accums[key] = v
		}
		s.grouped = true
	}
	if s.emitPos >= len(s.keyOrder) {
		return nil, outExhausted
	}
	key := s.keyOrder[s.emitPos]
	s.emitPos++
	return record.NewKey(key, s.accums[key]), outOK
}

func (ep *Plan) repartitionNext(s *step, i int, ec ectx) (record.Record, stepOutcome) {
	if ep.IsLocal() || !ep.env.View.IsClustered() {
		return ep.stepNext(i+1, ec)
	}
	local := ep.env.View.LocalID()
	for !s.stopped {
		rec, out := ep.stepNext(i+1, ec)
		if out == outExhausted {
			s.stopped = true
			payload := encodeStepMsg(ep.id, s.idx)
			if err := ep.env.Msgr.Broadcast(ep.ctx, msgStepDone, payload); err != nil {
				logging.Op().Warn("repartition step-done broadcast failed", "execution", ep.id, "error", err)
			}
			break
		}
		if out != outOK {
			return nil, out
		}
		if _, isErr := rec.(*record.Error); isErr {
			return rec, outOK
		}
		kr, ok := rec.(*record.Key)
		if !ok {
			return pipelineError("repartition step expects a KeyRecord, got %s", rec.Type().Name), outOK
		}
		dest := ep.env.View.ShardForSlot(cluster.KeySlot(string(kr.Key)))
		if dest == local {
			// Records owned here skip the wire and feed the step directly.
			return rec, outOK
		}
		w := buffer.NewWriter(64)
		if err := record.Serialize(w, rec); err != nil {
			return record.NewError(err), outOK
		}
		payload := encodeRecordMsg(ep.id, s.idx, w.Bytes())
		if err := ep.env.Msgr.Send(ep.ctx, dest, msgRepartitionRecord, payload); err != nil {
			return record.NewError(fmt.Errorf("repartition record to %s: %w", dest, err)), outOK
		}
	}
	if len(s.pendings) > 0 {
		rec := s.pendings[0]
		s.pendings = s.pendings[1:]
		return rec, outOK
	}
	if s.shardsCompleted >= ep.env.View.Size()-1 {
		return nil, outExhausted
	}
	return nil, outSuspend
}

func (ep *Plan) collectNext(s *step, i int, ec ectx) (record.Record, stepOutcome) {
	if ep.IsLocal() || !ep.env.View.IsClustered() {
		return ep.stepNext(i+1, ec)
	}
	isInitiator := ep.initiator == ep.env.View.LocalID()
	for !s.stopped {
		rec, out := ep.stepNext(i+1, ec)
		if out == outExhausted {
			s.stopped = true
			if !isInitiator {
				payload := encodeStepMsg(ep.id, s.idx)
				if err := ep.env.Msgr.Send(ep.ctx, ep.initiator, msgStepDone, payload); err != nil {
					logging.Op().Warn("collect step-done send failed", "execution", ep.id, "error", err)
				}
			}
			break
		}
		if out != outOK {
			return nil, out
		}
		if isInitiator {
			return rec, outOK
		}
		w := buffer.NewWriter(64)
		if err := record.Serialize(w, rec); err != nil {
			w = buffer.NewWriter(64)
			if serr := record.Serialize(w, record.NewError(err)); serr != nil {
				logging.Op().Warn("collect record serialize failed", "execution", ep.id, "error", serr)
				continue
			}
		}
		payload := encodeRecordMsg(ep.id, s.idx, w.Bytes())
		if err := ep.env.Msgr.Send(ep.ctx, ep.initiator, msgCollectRecord, payload); err != nil {
			logging.Op().Warn("collect record send failed", "execution", ep.id, "to", ep.initiator, "error", err)
		}
	}
	if !isInitiator {
		return nil, outExhausted
	}
	if len(s.pendings) > 0 {
		rec := s.pendings[0]
		s.pendings = s.pendings[1:]
		return rec, outOK
	}
	if s.shardsCompleted >= ep.env.View.Size()-1 {
		return nil, outExhausted
	}
	return nil, outSuspend
}
