package execution

import (
	"fmt"

	"github.com/oriys/pulsar/internal/buffer"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/plan"
	"github.com/oriys/pulsar/internal/readers"
	"github.com/oriys/pulsar/internal/record"
)

// Cross-shard message types. Every payload leads with the execution id;
// shards route by it.
const (
	msgExecutionCreated  = "execution.created"
	msgReceived          = "execution.received"
	msgStartRun          = "execution.startrun"
	msgRepartitionRecord = "execution.repartition.record"
	msgStepDone          = "execution.step.done"
	msgCollectRecord     = "execution.collect.record"
	msgExecutionDone     = "execution.done"
	msgDropExecution     = "execution.drop"
)

func encodeIDMsg(id string) []byte {
	w := buffer.NewWriter(len(id) + 4)
	w.WriteString(id)
	return w.Bytes()
}

func decodeIDMsg(payload []byte) (string, error) {
	return buffer.NewReader(payload).ReadString()
}

func encodeStepMsg(id string, stepIdx int) []byte {
	w := buffer.NewWriter(len(id) + 8)
	w.WriteString(id)
	w.WriteUvarint(uint64(stepIdx))
	return w.Bytes()
}

func decodeStepMsg(payload []byte) (string, int, error) {
	rd := buffer.NewReader(payload)
	id, err := rd.ReadString()
	if err != nil {
		return "", 0, err
	}
	idx, err := rd.ReadUvarint()
	if err != nil {
		return "", 0, err
	}
	return id, int(idx), nil
}

func encodeRecordMsg(id string, stepIdx int, recBytes []byte) []byte {
	w := buffer.NewWriter(len(id) + len(recBytes) + 12)
	w.WriteString(id)
	w.WriteUvarint(uint64(stepIdx))
	w.WriteBytes(recBytes)
	return w.Bytes()
}

func decodeRecordMsg(payload []byte) (string, int, record.Record, error) {
	rd := buffer.NewReader(payload)
	id, err := rd.ReadString()
	if err != nil {
		return "", 0, nil, err
	}
	idx, err := rd.ReadUvarint()
	if err != nil {
		return "", 0, nil, err
	}
	recBytes, err := rd.ReadBytes()
	if err != nil {
		return "", 0, nil, err
	}
	rec, err := record.Deserialize(buffer.NewReader(recBytes))
	if err != nil {
		return "", 0, nil, err
	}
	return id, int(idx), rec, nil
}

func (ep *Plan) encodeCreated() ([]byte, error) {
	w := buffer.NewWriter(256)
	w.WriteString(ep.id)
	fw := buffer.NewWriter(256)
	if err := ep.fep.Serialize(fw); err != nil {
		return nil, fmt.Errorf("serialize plan: %w", err)
	}
	w.WriteBytes(fw.Bytes())
	rw := buffer.NewWriter(64)
	if err := ep.steps[len(ep.steps)-1].reader.Serialize(rw); err != nil {
		return nil, fmt.Errorf("serialize reader args: %w", err)
	}
	w.WriteBytes(rw.Bytes())
	w.WriteUvarint(uint64(ep.mode))
	return w.Bytes(), nil
}

func (ep *Plan) encodeDone() []byte {
	w := buffer.NewWriter(256)
	w.WriteString(ep.id)
	writeRecords := func(recs []record.Record) {
		// Records that refuse to serialize are replaced with error records
		// so the initiator still accounts for them.
		w.WriteUvarint(uint64(len(recs)))
		for _, r := range recs {
			rw := buffer.NewWriter(64)
			if err := record.Serialize(rw, r); err != nil {
				rw = buffer.NewWriter(64)
				record.Serialize(rw, record.NewError(err))
			}
			w.WriteBytes(rw.Bytes())
		}
	}
	writeRecords(ep.results)
	writeRecords(ep.errs)
	return w.Bytes()
}

func decodeDone(payload []byte) (string, []record.Record, []record.Record, error) {
	rd := buffer.NewReader(payload)
	id, err := rd.ReadString()
	if err != nil {
		return "", nil, nil, err
	}
	readRecords := func() ([]record.Record, error) {
		n, err := rd.ReadUvarint()
		if err != nil {
			return nil, err
		}
		out := make([]record.Record, 0, n)
		for i := uint64(0); i < n; i++ {
			b, err := rd.ReadBytes()
			if err != nil {
				return nil, err
			}
			rec, err := record.Deserialize(buffer.NewReader(b))
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	}
	results, err := readRecords()
	if err != nil {
		return "", nil, nil, err
	}
	errs, err := readRecords()
	if err != nil {
		return "", nil, nil, err
	}
	return id, results, errs, nil
}

// RegisterHandlers installs the cross-shard message handlers on the
// messenger. Handlers acquire the engine lock before touching execution
// state; messages for executions this shard has not yet constructed are
// buffered and replayed once the mirror registers.
func (env *Env) RegisterHandlers() {
	env.Msgr.RegisterHandler(msgExecutionCreated, env.onExecutionCreated)
	env.Msgr.RegisterHandler(msgReceived, env.onReceived)
	env.Msgr.RegisterHandler(msgStartRun, env.onStartRun)
	env.Msgr.RegisterHandler(msgRepartitionRecord, env.onRecordMsg)
	env.Msgr.RegisterHandler(msgCollectRecord, env.onRecordMsg)
	env.Msgr.RegisterHandler(msgStepDone, env.onStepDone)
	env.Msgr.RegisterHandler(msgExecutionDone, env.onExecutionDone)
	env.Msgr.RegisterHandler(msgDropExecution, env.onDropExecution)
}

func (env *Env) withLock(fn func()) {
	env.Lock.Acquire(env.msgToken)
	defer env.Lock.Release(env.msgToken)
	fn()
}

// bufferOrRun executes fn now when the execution is known, otherwise parks
// it for replay on registration. Called under the engine lock.
func (env *Env) bufferOrRun(id string, fn func(ep *Plan)) {
	env.mu.Lock()
	ep, ok := env.executions[id]
	if !ok {
		env.pendingMsgs[id] = append(env.pendingMsgs[id], func() {
			env.mu.Lock()
			ep, ok := env.executions[id]
			env.mu.Unlock()
			if ok {
				fn(ep)
			}
		})
		env.mu.Unlock()
		return
	}
	env.mu.Unlock()
	fn(ep)
}

func (env *Env) onExecutionCreated(from string, payload []byte) {
	env.withLock(func() {
		rd := buffer.NewReader(payload)
		id, err := rd.ReadString()
		if err != nil {
			logging.Op().Warn("bad execution-created message", "from", from, "error", err)
			return
		}
		fepBytes, err := rd.ReadBytes()
		if err != nil {
			logging.Op().Warn("bad execution-created message", "from", from, "error", err)
			return
		}
		readerBytes, err := rd.ReadBytes()
		if err != nil {
			logging.Op().Warn("bad execution-created message", "from", from, "error", err)
			return
		}
		modeRaw, err := rd.ReadUvarint()
		if err != nil {
			logging.Op().Warn("bad execution-created message", "from", from, "error", err)
			return
		}

		fep, err := plan.Deserialize(buffer.NewReader(fepBytes))
		if err != nil {
			logging.Op().Warn("mirror plan decode failed", "execution", id, "from", from, "error", err)
			return
		}
		kind, ok := readers.GetKind(fep.ReaderName)
		if !ok {
			logging.Op().Warn("mirror reader kind unknown", "execution", id, "reader", fep.ReaderName)
			return
		}
		r, err := kind.Create(readerBytes)
		if err != nil {
			logging.Op().Warn("mirror reader create failed", "execution", id, "error", err)
			return
		}

		ep, err := env.newPlan(id, from, fep, plan.ExecutionMode(modeRaw), r)
		if err != nil {
			logging.Op().Warn("mirror execution create failed", "execution", id, "error", err)
			return
		}
		if env.Metrics != nil {
			env.Metrics.ExecutionStarted()
		}
		ep.setFlag(FlagStarted)
		ep.setStatus(StatusWaitingForRunNotification)
		env.register(ep)
		ep.armIdleTimer()

		if err := env.Msgr.Send(ep.ctx, from, msgReceived, encodeIDMsg(id)); err != nil {
			logging.Op().Warn("received ack send failed", "execution", id, "to", from, "error", err)
		}
	})
}

func (env *Env) onReceived(from string, payload []byte) {
	env.withLock(func() {
		id, err := decodeIDMsg(payload)
		if err != nil {
			return
		}
		env.bufferOrRun(id, func(ep *Plan) {
			ep.totalShardsReceived++
			ep.schedule()
		})
	})
}

func (env *Env) onStartRun(from string, payload []byte) {
	env.withLock(func() {
		id, err := decodeIDMsg(payload)
		if err != nil {
			return
		}
		env.bufferOrRun(id, func(ep *Plan) {
			ep.setStatus(StatusRunning)
			ep.schedule()
		})
	})
}

func (env *Env) onRecordMsg(from string, payload []byte) {
	env.withLock(func() {
		id, idx, rec, err := decodeRecordMsg(payload)
		if err != nil {
			logging.Op().Warn("bad record message", "from", from, "error", err)
			return
		}
		env.bufferOrRun(id, func(ep *Plan) {
			if idx < 0 || idx >= len(ep.steps) {
				logging.Op().Warn("record message for unknown step", "execution", id, "step", idx)
				return
			}
			ep.steps[idx].pendings = append(ep.steps[idx].pendings, rec)
			ep.schedule()
		})
	})
}

func (env *Env) onStepDone(from string, payload []byte) {
	env.withLock(func() {
		id, idx, err := decodeStepMsg(payload)
		if err != nil {
			return
		}
		env.bufferOrRun(id, func(ep *Plan) {
			if idx < 0 || idx >= len(ep.steps) {
				return
			}
			ep.steps[idx].shardsCompleted++
			ep.schedule()
		})
	})
}

func (env *Env) onExecutionDone(from string, payload []byte) {
	env.withLock(func() {
		id, results, errs, err := decodeDone(payload)
		if err != nil {
			logging.Op().Warn("bad execution-done message", "from", from, "error", err)
			return
		}
		env.bufferOrRun(id, func(ep *Plan) {
			ep.results = append(ep.results, results...)
			ep.errs = append(ep.errs, errs...)
			ep.totalShardsCompleted++
			ep.schedule()
		})
	})
}

func (env *Env) onDropExecution(from string, payload []byte) {
	env.withLock(func() {
		id, err := decodeIDMsg(payload)
		if err != nil {
			return
		}
		ep, ok := env.Get(id)
		if !ok {
			return
		}
		if !ep.IsDone() {
			ep.finalize(StatusDone)
		}
		ep.dropNow()
	})
}
