package readers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/pulsar/internal/buffer"
	"github.com/oriys/pulsar/internal/host"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/mgmt"
	"github.com/oriys/pulsar/internal/plan"
	"github.com/oriys/pulsar/internal/record"
)

// StreamReaderName is the registered name of the stream reader.
const StreamReaderName = "StreamReader"

// ConsumerGroup is the consumer group created on every consumed stream.
const ConsumerGroup = "__pulsar_consumer_group__"

// FailurePolicy selects what a stream registration does when a triggered
// execution finishes with errors.
type FailurePolicy int

const (
	// PolicyContinue records the error, acks the batch, and keeps going.
	PolicyContinue FailurePolicy = iota
	// PolicyAbort stops triggering further batches and clears all
	// per-stream debounce state.
	PolicyAbort
	// PolicyRetry behaves like abort, then re-arms scanning after the
	// retry interval.
	PolicyRetry
)

func (p FailurePolicy) String() string {
	switch p {
	case PolicyContinue:
		return "continue"
	case PolicyAbort:
		return "abort"
	case PolicyRetry:
		return "retry"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParseFailurePolicy resolves a policy name.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(s) {
	case "continue":
		return PolicyContinue, nil
	case "abort":
		return PolicyAbort, nil
	case "retry":
		return PolicyRetry, nil
	}
	return 0, fmt.Errorf("unknown failure policy %q", s)
}

// StreamArgs parameterizes a stream registration.
type StreamArgs struct {
	Pattern       string
	BatchSize     int64
	Duration      time.Duration
	OnFailure     FailurePolicy
	RetryInterval time.Duration
	TrimStream    bool
}

const streamArgsVersion = 1

// SerializeStreamArgs encodes registration arguments.
func SerializeStreamArgs(a *StreamArgs) []byte {
	w := buffer.NewWriter(64)
	w.WriteUvarint(streamArgsVersion)
	w.WriteString(a.Pattern)
	w.WriteVarint(a.BatchSize)
	w.WriteVarint(a.Duration.Milliseconds())
	w.WriteUvarint(uint64(a.OnFailure))
	w.WriteVarint(int64(a.RetryInterval / time.Second))
	if a.TrimStream {
		w.WriteUvarint(1)
	} else {
		w.WriteUvarint(0)
	}
	return w.Bytes()
}

// DeserializeStreamArgs decodes arguments written by SerializeStreamArgs.
func DeserializeStreamArgs(data []byte) (*StreamArgs, error) {
	rd := buffer.NewReader(data)
	version, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if version > streamArgsVersion {
		return nil, fmt.Errorf("stream reader args version %d not supported", version)
	}
	a := &StreamArgs{}
	if a.Pattern, err = rd.ReadString(); err != nil {
		return nil, err
	}
	if a.BatchSize, err = rd.ReadVarint(); err != nil {
		return nil, err
	}
	ms, err := rd.ReadVarint()
	if err != nil {
		return nil, err
	}
	a.Duration = time.Duration(ms) * time.Millisecond
	policy, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	a.OnFailure = FailurePolicy(policy)
	secs, err := rd.ReadVarint()
	if err != nil {
		return nil, err
	}
	a.RetryInterval = time.Duration(secs) * time.Second
	trim, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	a.TrimStream = trim != 0
	return a, nil
}

// streamReader feeds one consumed batch into a pipeline. Mirror shards get
// the stream name only; batch records originate on the consuming shard.
type streamReader struct {
	stream string
	msgs   []host.StreamMessage
	pos    int
}

func (r *streamReader) Next(ectx mgmt.ExecutionCtx) (record.Record, error) {
	if r.pos >= len(r.msgs) {
		return nil, nil
	}
	msg := r.msgs[r.pos]
	r.pos++
	values := record.NewHashSet()
	for field, val := range msg.Values {
		values.Set(field, record.NewString(val))
	}
	rec := record.NewHashSet()
	rec.Set("key", record.NewString(r.stream))
	rec.Set("id", record.NewString(msg.ID))
	rec.Set("value", values)
	return rec, nil
}

func (r *streamReader) Serialize(w *buffer.Writer) error {
	w.WriteString(r.stream)
	return nil
}

func (r *streamReader) Deserialize(rd *buffer.Reader) error {
	stream, err := rd.ReadString()
	if err != nil {
		return err
	}
	r.stream = stream
	r.msgs = nil
	return nil
}

// streamCtx tracks one (registration, stream) pair: the debounce timer, the
// seen-event count, and whether a batch is in flight. Batches never overlap
// per stream, preserving id order.
type streamCtx struct {
	reg    *Registration
	stream string

	mu      sync.Mutex
	timer   *time.Timer
	seen    int64
	reading bool
}

// StreamsKind manages the stream reader and its registrations: a scan
// enumerates matching streams on (re)register, key-space xadd events feed
// per-stream debounce state, and batches are read through a consumer group.
type StreamsKind struct {
	deps     *Deps
	consumer string

	mu      sync.Mutex
	regs    []*Registration
	streams map[string]*streamCtx
	stopped map[*Registration]bool
}

// NewStreamsKind builds and registers the stream reader kind.
func NewStreamsKind(deps *Deps) (*StreamsKind, error) {
	k := &StreamsKind{
		deps:     deps,
		consumer: "pulsar-" + uuid.New().String(),
		streams:  make(map[string]*streamCtx),
		stopped:  make(map[*Registration]bool),
	}
	kind := &Kind{
		Name: StreamReaderName,
		Create: func(args []byte) (Reader, error) {
			rd := buffer.NewReader(args)
			r := &streamReader{}
			if err := r.Deserialize(rd); err != nil {
				return nil, err
			}
			return r, nil
		},
		DecodeArgs: func(data []byte) (interface{}, error) { return DeserializeStreamArgs(data) },
		EncodeArgs: func(args interface{}) ([]byte, error) {
			a, ok := args.(*StreamArgs)
			if !ok {
				return nil, fmt.Errorf("stream args carries %T", args)
			}
			return SerializeStreamArgs(a), nil
		},
		Register:      k.register,
		Unregister:    k.unregister,
		RdbSave:       k.rdbSave,
		RdbLoad:       k.rdbLoad,
		Registrations: k.registrations,
		ClearStats:    k.clearStats,
	}
	if err := RegisterKind(kind); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *StreamsKind) register(reg *Registration) error {
	if _, ok := reg.Args.(*StreamArgs); !ok {
		return fmt.Errorf("stream registration carries %T, want *StreamArgs", reg.Args)
	}
	k.mu.Lock()
	k.regs = append(k.regs, reg)
	k.mu.Unlock()
	if cb := reg.FEP.OnRegistered; cb != nil {
		if fn, ok := mgmt.OnRegistereds.Get(cb.Name); ok {
			fn(cb.Arg)
		}
	}
	// Enumerate already-existing matching streams in the background so
	// their backlog is consumed without waiting for a fresh xadd.
	go k.scanStreams(context.Background(), reg)
	logging.Op().Info("stream registration added", "id", reg.ID, "pattern", reg.Args.(*StreamArgs).Pattern)
	return nil
}

// scanStreams enumerates matching stream keys and arms a batch per match.
// Runs on (re)register and on master-role transitions.
func (k *StreamsKind) scanStreams(ctx context.Context, reg *Registration) {
	args := reg.Args.(*StreamArgs)
	cursor := k.deps.Host.ScanType(args.Pattern, "stream")
	for {
		keys, done, err := cursor.Next(ctx)
		if err != nil {
			logging.Op().Warn("stream scan failed", "pattern", args.Pattern, "error", err)
			return
		}
		for _, key := range keys {
			sc := k.ctxFor(reg, key)
			go k.consumeBatches(ctx, sc)
		}
		if done {
			return
		}
	}
}

func (k *StreamsKind) ctxFor(reg *Registration, stream string) *streamCtx {
	k.mu.Lock()
	defer k.mu.Unlock()
	key := reg.ID + "\x00" + stream
	sc, ok := k.streams[key]
	if !ok {
		sc = &streamCtx{reg: reg, stream: stream}
		k.streams[key] = sc
	}
	return sc
}

// DispatchEvent feeds one key-space notification into the per-stream
// debounce state: a batch fires once batch-size events accumulate or the
// duration window closes, whichever comes first.
func (k *StreamsKind) DispatchEvent(ctx context.Context, ev host.KeyspaceEvent) {
	if ev.Event != "xadd" || IsPaused() {
		return
	}
	for _, reg := range k.registrations() {
		args := reg.Args.(*StreamArgs)
		if !matchPattern(args.Pattern, ev.Key) {
			continue
		}
		if k.isStopped(reg) {
			continue
		}
		sc := k.ctxFor(reg, ev.Key)
		sc.mu.Lock()
		sc.seen++
		fireNow := args.BatchSize > 0 && sc.seen >= args.BatchSize
		if fireNow {
			sc.seen = 0
			if sc.timer != nil {
				sc.timer.Stop()
				sc.timer = nil
			}
		} else if sc.timer == nil && args.Duration > 0 {
			sc.timer = time.AfterFunc(args.Duration, func() {
				sc.mu.Lock()
				sc.timer = nil
				sc.seen = 0
				sc.mu.Unlock()
				k.consumeBatches(context.Background(), sc)
			})
		} else if args.Duration <= 0 {
			fireNow = true
			sc.seen = 0
		}
		sc.mu.Unlock()
		if fireNow {
			go k.consumeBatches(ctx, sc)
		}
	}
}

// consumeBatches reads and processes batches for one stream until the
// backlog is drained. Per-stream batches are serialized; a batch is acked
// before the next one is read.
func (k *StreamsKind) consumeBatches(ctx context.Context, sc *streamCtx) {
	sc.mu.Lock()
	if sc.reading {
		sc.mu.Unlock()
		return
	}
	sc.reading = true
	sc.mu.Unlock()
	defer func() {
		sc.mu.Lock()
		sc.reading = false
		sc.mu.Unlock()
	}()

	args := sc.reg.Args.(*StreamArgs)
	if err := k.deps.Host.EnsureGroup(ctx, sc.stream, ConsumerGroup, "0"); err != nil {
		logging.Op().Warn("stream group create failed", "stream", sc.stream, "error", err)
		return
	}
	for {
		if IsPaused() || k.isStopped(sc.reg) {
			return
		}
		count := args.BatchSize
		if count <= 0 {
			count = 1
		}
		msgs, err := k.deps.Host.ReadGroup(ctx, sc.stream, ConsumerGroup, k.consumer, count, 0)
		if err != nil {
			logging.Op().Warn("stream read failed", "stream", sc.stream, "error", err)
			return
		}
		if len(msgs) == 0 {
			return
		}
		if !k.runBatch(ctx, sc, msgs) {
			return
		}
	}
}

// runBatch runs one execution over msgs and applies the failure policy.
// Returns false when consumption of this stream must stop.
func (k *StreamsKind) runBatch(ctx context.Context, sc *streamCtx, msgs []host.StreamMessage) bool {
	reg := sc.reg
	args := reg.Args.(*StreamArgs)
	r := &streamReader{stream: sc.stream, msgs: msgs}

	reg.Stats.NumTriggered.Add(1)
	done := make(chan RunHandle, 1)
	h, err := k.deps.Runner.Run(reg.FEP, reg.Mode, r, func(dh RunHandle) {
		reg.TrackDone(dh, k.deps.Runner.MaxExecutionsPerRegistration())
		done <- dh
	})
	if err != nil {
		reg.Stats.NumFailures.Add(1)
		reg.Stats.SetLastError(err.Error())
		logging.Op().Warn("stream trigger failed", "registration", reg.ID, "stream", sc.stream, "error", err)
		return false
	}
	reg.TrackPending(h)
	dh := <-done

	failed := dh.IsAborted() || dh.ErrorCount() > 0
	if failed {
		reg.Stats.NumFailures.Add(1)
		reg.Stats.SetLastError(dh.FirstError())
		k.deps.triggerFired(StreamReaderName, "failure")
		switch args.OnFailure {
		case PolicyAbort:
			k.stopConsuming(reg)
			return false
		case PolicyRetry:
			k.stopConsuming(reg)
			time.AfterFunc(args.RetryInterval, func() {
				k.resumeConsuming(reg)
				k.scanStreams(context.Background(), reg)
			})
			return false
		}
	} else {
		reg.Stats.NumSuccess.Add(1)
		k.deps.triggerFired(StreamReaderName, "success")
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if _, err := k.deps.Host.Ack(ctx, sc.stream, ConsumerGroup, ids...); err != nil {
		logging.Op().Warn("stream ack failed", "stream", sc.stream, "error", err)
		return false
	}
	if args.TrimStream {
		minID := streamIDSuccessor(ids[len(ids)-1])
		if _, err := k.deps.Host.TrimMinID(ctx, sc.stream, minID); err != nil {
			logging.Op().Warn("stream trim failed", "stream", sc.stream, "error", err)
		}
	}
	return true
}

// streamIDSuccessor returns the smallest id strictly greater than id, so a
// min-id trim removes the consumed prefix exactly.
func streamIDSuccessor(id string) string {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return id
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return id
	}
	return ms + "-" + strconv.FormatUint(n+1, 10)
}

func (k *StreamsKind) stopConsuming(reg *Registration) {
	k.mu.Lock()
	k.stopped[reg] = true
	// clear every debounce timer belonging to the registration
	for _, sc := range k.streams {
		if sc.reg != reg {
			continue
		}
		sc.mu.Lock()
		if sc.timer != nil {
			sc.timer.Stop()
			sc.timer = nil
		}
		sc.seen = 0
		sc.mu.Unlock()
	}
	k.mu.Unlock()
	logging.Op().Info("stream registration consumption stopped", "id", reg.ID, "policy", reg.Args.(*StreamArgs).OnFailure.String())
}

func (k *StreamsKind) resumeConsuming(reg *Registration) {
	k.mu.Lock()
	delete(k.stopped, reg)
	k.mu.Unlock()
}

func (k *StreamsKind) isStopped(reg *Registration) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stopped[reg]
}

func (k *StreamsKind) unregister(reg *Registration, abortPending bool) error {
	k.mu.Lock()
	for i, cur := range k.regs {
		if cur == reg {
			k.regs = append(k.regs[:i], k.regs[i+1:]...)
			break
		}
	}
	delete(k.stopped, reg)
	for key, sc := range k.streams {
		if sc.reg != reg {
			continue
		}
		sc.mu.Lock()
		if sc.timer != nil {
			sc.timer.Stop()
			sc.timer = nil
		}
		sc.mu.Unlock()
		delete(k.streams, key)
	}
	k.mu.Unlock()
	reg.DropAll(abortPending)
	if cb := reg.FEP.OnUnregistered; cb != nil {
		if fn, ok := mgmt.OnUnregistereds.Get(cb.Name); ok {
			fn(cb.Arg)
		}
	}
	reg.FEP.Release()
	return nil
}

func (k *StreamsKind) registrations() []*Registration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*Registration(nil), k.regs...)
}

func (k *StreamsKind) clearStats() {
	for _, reg := range k.registrations() {
		reg.Stats.Clear()
	}
}

// OnRoleChanged re-enumerates matching streams after a replica is promoted,
// so consumption resumes on the new master.
func (k *StreamsKind) OnRoleChanged(ctx context.Context) {
	for _, reg := range k.registrations() {
		go k.scanStreams(ctx, reg)
	}
}

func (k *StreamsKind) rdbSave(w *buffer.Writer) error {
	regs := k.registrations()
	w.WriteUvarint(uint64(len(regs)))
	for _, reg := range regs {
		w.WriteUvarint(uint64(reg.Mode))
		fw := buffer.NewWriter(256)
		if err := reg.FEP.Serialize(fw); err != nil {
			return fmt.Errorf("save stream registration %s: %w", reg.ID, err)
		}
		w.WriteBytes(fw.Bytes())
		w.WriteBytes(SerializeStreamArgs(reg.Args.(*StreamArgs)))
	}
	return nil
}

func (k *StreamsKind) rdbLoad(rd *buffer.Reader, version int) error {
	n, err := rd.ReadUvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		mode, err := rd.ReadUvarint()
		if err != nil {
			return err
		}
		fepBytes, err := rd.ReadBytes()
		if err != nil {
			return err
		}
		fep, err := plan.Deserialize(buffer.NewReader(fepBytes))
		if err != nil {
			return fmt.Errorf("load stream registration plan: %w", err)
		}
		argBytes, err := rd.ReadBytes()
		if err != nil {
			return err
		}
		args, err := DeserializeStreamArgs(argBytes)
		if err != nil {
			return err
		}
		if _, err := NewRegistration(k.deps.Runner, StreamReaderName, fep, plan.ExecutionMode(mode), args); err != nil {
			return err
		}
		fep.Release()
	}
	return nil
}
