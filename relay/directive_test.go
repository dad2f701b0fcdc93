package relay

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tftpsim/packet"
)

func nullEntry() *logrus.Entry {
	logger, _ := logtest.NewNullLogger()
	return logrus.NewEntry(logger)
}

func u16(v uint16) *uint16 { return &v }
func intp(v int) *int      { return &v }

func TestDirectiveMatches(t *testing.T) {
	tests := []struct {
		name   string
		d      Directive
		kind   packet.Kind
		number uint16
		want   bool
	}{
		{"request matches any request", Directive{Kind: packet.KindRequest, Number: 9}, packet.KindRequest, 0, true},
		{"data same block", Directive{Kind: packet.KindData, Number: 3}, packet.KindData, 3, true},
		{"data other block", Directive{Kind: packet.KindData, Number: 3}, packet.KindData, 4, false},
		{"kind differs", Directive{Kind: packet.KindAck, Number: 3}, packet.KindData, 3, false},
		{"error number", Directive{Kind: packet.KindError, Number: 5}, packet.KindError, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.d.Matches(tt.kind, tt.number))
		})
	}
}

func TestDirectiveConsumedOnce(t *testing.T) {
	list := directiveList{
		{Kind: packet.KindAck, Number: 1, Action: ActionLose},
		{Kind: packet.KindData, Number: 1, Action: ActionLose},
		{Kind: packet.KindAck, Number: 1, Action: ActionDuplicate, Delay: time.Millisecond},
	}

	d, ok := list.consume(packet.KindAck, 1)
	require.True(t, ok)
	assert.Equal(t, ActionLose, d.Action, "first match wins")

	d, ok = list.consume(packet.KindAck, 1)
	require.True(t, ok)
	assert.Equal(t, ActionDuplicate, d.Action)

	_, ok = list.consume(packet.KindAck, 1)
	assert.False(t, ok)
	assert.Len(t, list, 1)
}

func TestQueueTakeEmpties(t *testing.T) {
	var q Queue
	require.NoError(t, q.Add(Directive{Kind: packet.KindData, Number: 1, Action: ActionLose}))
	require.NoError(t, q.Add(Directive{Kind: packet.KindAck, Number: 2, Action: ActionLose}))
	assert.Error(t, q.Add(Directive{Kind: packet.KindAck, Action: ActionDelay}), "delay needs a duration")

	assert.Len(t, q.Pending(), 2)
	taken := q.Take()
	assert.Len(t, taken, 2)
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Take())
}

func TestContentsOpcodeAndNumber(t *testing.T) {
	ack := encodePacket(t, &packet.Ack{Block: 1})
	c := &Contents{Opcode: u16(3), Number: u16(7)}

	out := c.Apply(ack, nullEntry())
	assert.Equal(t, []byte{0, 3, 0, 7}, out)
	assert.Equal(t, []byte{0, 4, 0, 1}, ack, "input is not modified")
}

func TestContentsRequestFields(t *testing.T) {
	rrq := encodePacket(t, packet.NewReadRequest("boot.img"))

	tests := []struct {
		name string
		c    *Contents
		want []byte
	}{
		{
			name: "replace mode",
			c:    &Contents{Mode: &FieldEdit{Value: "netascii"}},
			want: packet.AppendRequest(nil, packet.OpRRQ, "boot.img", "netascii"),
		},
		{
			name: "replace filename",
			c:    &Contents{Filename: &FieldEdit{Value: "x"}},
			want: packet.AppendRequest(nil, packet.OpRRQ, "x", "octet"),
		},
		{
			name: "remove filename drops its terminator",
			c:    &Contents{Filename: &FieldEdit{Remove: true}},
			want: []byte("\x00\x01octet\x00"),
		},
		{
			name: "remove mode",
			c:    &Contents{Mode: &FieldEdit{Remove: true}},
			want: []byte("\x00\x01boot.img\x00"),
		},
		{
			name: "opcode runs before field edits",
			c:    &Contents{Opcode: u16(2), Mode: &FieldEdit{Value: "mail"}},
			want: packet.AppendRequest(nil, packet.OpWRQ, "boot.img", "mail"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.Apply(rrq, nullEntry()))
		})
	}
}

func TestContentsFieldEditsIgnoredForData(t *testing.T) {
	data := encodePacket(t, &packet.Data{Block: 1, Payload: []byte("abc")})
	c := &Contents{Filename: &FieldEdit{Value: "x"}}
	assert.Equal(t, data, c.Apply(data, nullEntry()))
}

func TestContentsLengthAndBytes(t *testing.T) {
	data := encodePacket(t, &packet.Data{Block: 1, Payload: []byte("abcdef")})

	truncated := (&Contents{Length: intp(5)}).Apply(data, nullEntry())
	assert.Equal(t, []byte{0, 3, 0, 1, 'a'}, truncated)

	padded := (&Contents{Length: intp(12)}).Apply(data, nullEntry())
	assert.Equal(t, append([]byte{0, 3, 0, 1}, 'a', 'b', 'c', 'd', 'e', 'f', 0, 0), padded)

	logger, hook := logtest.NewNullLogger()
	c := &Contents{
		Length: intp(6),
		Bytes:  []ByteEdit{{Pos: 4, Value: 'Z'}, {Pos: 6, Value: 'Q'}},
	}
	out := c.Apply(data, logrus.NewEntry(logger))
	assert.Equal(t, []byte{0, 3, 0, 1, 'Z', 'b'}, out, "length runs before byte edits")
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "Byte edit past end of packet, skipped", hook.LastEntry().Message)
}

func TestParseDirective(t *testing.T) {
	tests := []struct {
		in   string
		want Directive
	}{
		{"data 1 lose", Directive{Kind: packet.KindData, Number: 1, Action: ActionLose}},
		{"ACK 3 delay 250ms", Directive{Kind: packet.KindAck, Number: 3, Action: ActionDelay, Delay: 250 * time.Millisecond}},
		{"ack 3 duplicate 40", Directive{Kind: packet.KindAck, Number: 3, Action: ActionDuplicate, Delay: 40 * time.Millisecond}},
		{"rrq invalid_tid", Directive{Kind: packet.KindRequest, Action: ActionInvalidTID}},
		{"error 5 lose", Directive{Kind: packet.KindError, Number: 5, Action: ActionLose}},
		{
			"request contents mode=netascii filename-",
			Directive{Kind: packet.KindRequest, Action: ActionContents, Contents: &Contents{
				Mode:     &FieldEdit{Value: "netascii"},
				Filename: &FieldEdit{Remove: true},
			}},
		},
		{
			"data 2 contents opcode=9 number=0x10 length=600 byte=4:0xff",
			Directive{Kind: packet.KindData, Number: 2, Action: ActionContents, Contents: &Contents{
				Opcode: u16(9),
				Number: u16(16),
				Length: intp(600),
				Bytes:  []ByteEdit{{Pos: 4, Value: 0xff}},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDirective(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDirectiveErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"nak 1 lose",
		"data lose",
		"data 70000 lose",
		"data 1",
		"data 1 explode",
		"data 1 delay",
		"data 1 delay soon",
		"data 1 lose now",
		"data 1 contents",
		"data 1 contents mode=x",
		"request contents byte=1",
		"request contents byte=1:300",
		"request contents size=3",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseDirective(in)
			assert.ErrorIs(t, err, ErrSyntax)
		})
	}
}

func TestDirectiveString(t *testing.T) {
	d, err := ParseDirective("data 2 contents number=3 mode- byte=4:255")
	require.NoError(t, err)
	assert.Equal(t, "DATA 2 CONTENTS mode- number=3 byte=4:0xff", d.String())

	d, err = ParseDirective("request delay 1s")
	require.NoError(t, err)
	assert.Equal(t, "REQUEST DELAY 1s", d.String())
}

func encodePacket(t *testing.T, p packet.Packet) []byte {
	t.Helper()
	b, err := packet.Encode(p)
	require.NoError(t, err)
	return b
}

func TestClassifyTruncatedHeader(t *testing.T) {
	tests := []struct {
		name       string
		b          []byte
		wantKind   packet.Kind
		wantNumber uint16
		wantOK     bool
	}{
		{"full ack", []byte{0, 4, 0, 7}, packet.KindAck, 7, true},
		{"ack without number", []byte{0, 4}, 0, 0, false},
		{"data with partial number", []byte{0, 3, 1}, 0, 0, false},
		{"error without code", []byte{0, 5}, 0, 0, false},
		{"bare request opcode", []byte{0, 1}, packet.KindRequest, 0, true},
		{"unknown opcode", []byte{0, 9, 0, 1}, 0, 0, false},
		{"single byte", []byte{0}, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, number, ok := classify(tt.b)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantKind, kind)
				assert.Equal(t, tt.wantNumber, number)
			}
		})
	}
}
