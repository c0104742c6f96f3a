package engine

import "github.com/oriys/pulsar/internal/record"

// replyBuilder renders records into a generic reply tree: strings for bulk
// and simple replies, int64/float64 for numbers, []interface{} for arrays,
// error values for error replies, nil for null.
type replyBuilder struct {
	root  interface{}
	stack []*replyFrame
}

type replyFrame struct {
	items []interface{}
	want  int
}

func newReplyBuilder() *replyBuilder {
	return &replyBuilder{}
}

func (b *replyBuilder) push(v interface{}) {
	if len(b.stack) == 0 {
		b.root = v
		return
	}
	top := b.stack[len(b.stack)-1]
	top.items = append(top.items, v)
	if len(top.items) < top.want {
		return
	}
	b.stack = b.stack[:len(b.stack)-1]
	b.push(top.items)
}

func (b *replyBuilder) Bulk(v []byte)    { b.push(string(v)) }
func (b *replyBuilder) Simple(s string)  { b.push(s) }
func (b *replyBuilder) Err(msg string)   { b.push(replyError(msg)) }
func (b *replyBuilder) Int(v int64)      { b.push(v) }
func (b *replyBuilder) Double(v float64) { b.push(v) }
func (b *replyBuilder) Null()            { b.push(nil) }

func (b *replyBuilder) Array(n int) {
	if n == 0 {
		b.push([]interface{}{})
		return
	}
	b.stack = append(b.stack, &replyFrame{items: make([]interface{}, 0, n), want: n})
}

// Root returns the built tree.
func (b *replyBuilder) Root() interface{} { return b.root }

// replyError marks an error entry inside a reply tree.
type replyError string

func (e replyError) Error() string { return string(e) }

// renderRecord renders one record to a reply tree.
func renderRecord(r record.Record) interface{} {
	b := newReplyBuilder()
	record.SendReply(b, r)
	return b.Root()
}

// renderRecords renders a record slice to a reply array.
func renderRecords(recs []record.Record) []interface{} {
	out := make([]interface{}, 0, len(recs))
	for _, r := range recs {
		out = append(out, renderRecord(r))
	}
	return out
}

// resultsReply is the {results, errors} pair returned for a finished
// execution.
func resultsReply(results, errs []record.Record) []interface{} {
	return []interface{}{renderRecords(results), renderRecords(errs)}
}
