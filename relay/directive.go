package relay

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpsim/limits"
	"github.com/opd-ai/tftpsim/packet"
)

// Action is what the relay does with a packet matched by a directive.
type Action uint8

const (
	// ActionLose drops the packet.
	ActionLose Action = iota + 1
	// ActionDelay forwards the packet after Directive.Delay.
	ActionDelay
	// ActionDuplicate forwards the packet now and again after Directive.Delay.
	ActionDuplicate
	// ActionContents rewrites the packet before forwarding it.
	ActionContents
	// ActionInvalidTID forwards the packet from a fresh source port.
	ActionInvalidTID
)

func (a Action) String() string {
	switch a {
	case ActionLose:
		return "LOSE"
	case ActionDelay:
		return "DELAY"
	case ActionDuplicate:
		return "DUPLICATE"
	case ActionContents:
		return "CONTENTS"
	case ActionInvalidTID:
		return "INVALID_TID"
	default:
		return fmt.Sprintf("ACTION(%d)", uint8(a))
	}
}

// Directive is one pending fault. It is consumed by the first packet it
// matches.
type Directive struct {
	// Kind is the packet kind to match.
	Kind packet.Kind
	// Number is the block or error number to match. It is ignored for
	// KindRequest, which matches any request.
	Number uint16

	Action Action
	// Delay is the DELAY wait or the DUPLICATE gap.
	Delay time.Duration
	// Contents holds the CONTENTS rewrites.
	Contents *Contents
}

// Matches reports whether a packet of kind with number is selected.
func (d Directive) Matches(kind packet.Kind, number uint16) bool {
	if d.Kind != kind {
		return false
	}
	return kind == packet.KindRequest || d.Number == number
}

// Validate checks that the directive's parameters fit its action.
func (d Directive) Validate() error {
	if d.Kind < packet.KindRequest || d.Kind > packet.KindError {
		return fmt.Errorf("invalid packet kind %s", d.Kind)
	}
	switch d.Action {
	case ActionLose, ActionInvalidTID:
	case ActionDelay, ActionDuplicate:
		if d.Delay <= 0 {
			return fmt.Errorf("%s needs a positive duration", d.Action)
		}
	case ActionContents:
		if d.Contents == nil || d.Contents.empty() {
			return fmt.Errorf("%s needs at least one edit", d.Action)
		}
		if d.Kind != packet.KindRequest && (d.Contents.Filename != nil || d.Contents.Mode != nil) {
			return fmt.Errorf("filename and mode edits only apply to requests")
		}
		if d.Contents.Length != nil && (*d.Contents.Length < 0 || *d.Contents.Length > limits.ReceiveBuffer) {
			return fmt.Errorf("length %d out of range", *d.Contents.Length)
		}
	default:
		return fmt.Errorf("unknown action %s", d.Action)
	}
	return nil
}

func (d Directive) String() string {
	var b strings.Builder
	b.WriteString(d.Kind.String())
	if d.Kind != packet.KindRequest {
		fmt.Fprintf(&b, " %d", d.Number)
	}
	b.WriteString(" ")
	b.WriteString(d.Action.String())
	switch d.Action {
	case ActionDelay, ActionDuplicate:
		fmt.Fprintf(&b, " %v", d.Delay)
	case ActionContents:
		if d.Contents != nil {
			b.WriteString(" ")
			b.WriteString(d.Contents.String())
		}
	}
	return b.String()
}

// FieldEdit replaces or removes a request's filename or mode.
type FieldEdit struct {
	Remove bool
	Value  string
}

// ByteEdit overwrites the byte at Pos.
type ByteEdit struct {
	Pos   int
	Value byte
}

// Contents is a set of packet rewrites. Apply runs them in a fixed order so
// later edits see the results of earlier ones: opcode, filename and mode,
// number, length, then single bytes.
type Contents struct {
	Opcode   *uint16
	Filename *FieldEdit
	Mode     *FieldEdit
	Number   *uint16
	Length   *int
	Bytes    []ByteEdit
}

func (c *Contents) empty() bool {
	return c.Opcode == nil && c.Filename == nil && c.Mode == nil &&
		c.Number == nil && c.Length == nil && len(c.Bytes) == 0
}

// Apply returns a rewritten copy of b. The filename and mode edits only run
// when the original packet was a request.
func (c *Contents) Apply(b []byte, log *logrus.Entry) []byte {
	out := append([]byte(nil), b...)
	op, _ := packet.PeekOpcode(b)
	kind, _ := packet.KindOf(op)

	if c.Opcode != nil {
		out = padTo(out, 2)
		binary.BigEndian.PutUint16(out[0:2], *c.Opcode)
	}

	if (c.Filename != nil || c.Mode != nil) && kind == packet.KindRequest {
		out = c.rewriteRequest(out, log)
	}

	if c.Number != nil {
		out = padTo(out, limits.HeaderSize)
		binary.BigEndian.PutUint16(out[2:4], *c.Number)
	}

	if c.Length != nil {
		if *c.Length <= len(out) {
			out = out[:*c.Length]
		} else {
			out = padTo(out, *c.Length)
		}
	}

	for _, e := range c.Bytes {
		if e.Pos < 0 || e.Pos >= len(out) {
			log.WithFields(logrus.Fields{
				"function": "Contents.Apply",
				"position": e.Pos,
				"length":   len(out),
			}).Warn("Byte edit past end of packet, skipped")
			continue
		}
		out[e.Pos] = e.Value
	}
	return out
}

// rewriteRequest re-encodes a request with the filename and mode edits. A
// removed field loses its NUL terminator too.
func (c *Contents) rewriteRequest(b []byte, log *logrus.Entry) []byte {
	filename, mode, rest, err := packet.SplitRequest(b[2:])
	if err != nil {
		log.WithFields(logrus.Fields{
			"function": "Contents.rewriteRequest",
			"error":    err.Error(),
		}).Warn("Request not parseable, filename and mode edits skipped")
		return b
	}

	out := append([]byte(nil), b[0:2]...)
	out = appendField(out, filename, c.Filename)
	out = appendField(out, mode, c.Mode)
	return append(out, rest...)
}

func appendField(b []byte, value string, edit *FieldEdit) []byte {
	if edit != nil {
		if edit.Remove {
			return b
		}
		value = edit.Value
	}
	b = append(b, value...)
	return append(b, 0)
}

func padTo(b []byte, n int) []byte {
	for len(b) < n {
		b = append(b, 0)
	}
	return b
}

func (c *Contents) String() string {
	var parts []string
	if c.Opcode != nil {
		parts = append(parts, fmt.Sprintf("opcode=%d", *c.Opcode))
	}
	parts = appendFieldString(parts, "filename", c.Filename)
	parts = appendFieldString(parts, "mode", c.Mode)
	if c.Number != nil {
		parts = append(parts, fmt.Sprintf("number=%d", *c.Number))
	}
	if c.Length != nil {
		parts = append(parts, fmt.Sprintf("length=%d", *c.Length))
	}
	for _, e := range c.Bytes {
		parts = append(parts, fmt.Sprintf("byte=%d:%#02x", e.Pos, e.Value))
	}
	return strings.Join(parts, " ")
}

func appendFieldString(parts []string, name string, edit *FieldEdit) []string {
	switch {
	case edit == nil:
		return parts
	case edit.Remove:
		return append(parts, name+"-")
	default:
		return append(parts, fmt.Sprintf("%s=%s", name, edit.Value))
	}
}

// Queue holds the directives for the next relay session. It is safe for
// concurrent use by a control plane and the relay's accept loop.
type Queue struct {
	mu      sync.Mutex
	pending []Directive
}

// Add appends a directive after validating it.
func (q *Queue) Add(d Directive) error {
	if err := d.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	q.pending = append(q.pending, d)
	q.mu.Unlock()
	return nil
}

// Pending returns a copy of the queued directives.
func (q *Queue) Pending() []Directive {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Directive(nil), q.pending...)
}

// Take removes and returns all queued directives.
func (q *Queue) Take() []Directive {
	q.mu.Lock()
	defer q.mu.Unlock()
	taken := q.pending
	q.pending = nil
	return taken
}

// Len returns the number of queued directives.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// directiveList is a session's private copy of the queue.
type directiveList []Directive

// consume removes and returns the first directive matching the packet.
func (l *directiveList) consume(kind packet.Kind, number uint16) (Directive, bool) {
	for i, d := range *l {
		if d.Matches(kind, number) {
			*l = append((*l)[:i:i], (*l)[i+1:]...)
			return d, true
		}
	}
	return Directive{}, false
}

// classify returns the kind and number of a raw datagram as far as its
// header allows. ok is false for datagrams with no known opcode and for
// DATA, ACK and ERROR datagrams too short to carry a number.
func classify(b []byte) (kind packet.Kind, number uint16, ok bool) {
	op, ok := packet.PeekOpcode(b)
	if !ok {
		return 0, 0, false
	}
	kind, ok = packet.KindOf(op)
	if !ok {
		return 0, 0, false
	}
	if kind == packet.KindRequest {
		return kind, 0, true
	}
	if len(b) < limits.HeaderSize {
		return 0, 0, false
	}
	return kind, binary.BigEndian.Uint16(b[2:4]), true
}

// describe renders a datagram for the logs.
func describe(b []byte) string {
	if p, err := packet.Decode(b); err == nil {
		return p.String()
	}
	n := min(len(b), 32)
	return fmt.Sprintf("malformed [% x]", b[:n])
}
