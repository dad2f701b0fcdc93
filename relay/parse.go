package relay

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/tftpsim/packet"
)

// ErrSyntax is wrapped by every ParseDirective failure.
var ErrSyntax = errors.New("invalid directive")

// ParseDirective parses the textual directive form:
//
//	KIND [NUMBER] ACTION [ARGS...]
//
// KIND is request (rrq and wrq are accepted as aliases), data, ack or error;
// NUMBER is required for every kind except request. ACTION is one of
//
//	lose
//	delay DURATION
//	duplicate DURATION
//	invalid_tid
//	contents EDIT...
//
// DURATION is a Go duration or a bare number of milliseconds. Each EDIT is
// opcode=N, filename=S, filename- (remove), mode=S, mode-, number=N,
// length=N or byte=POS:VALUE.
func ParseDirective(s string) (Directive, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Directive{}, fmt.Errorf("%w: empty", ErrSyntax)
	}

	var d Directive
	kind, ok := parseKind(fields[0])
	if !ok {
		return Directive{}, fmt.Errorf("%w: unknown packet kind %q", ErrSyntax, fields[0])
	}
	d.Kind = kind
	fields = fields[1:]

	if kind != packet.KindRequest {
		if len(fields) == 0 {
			return Directive{}, fmt.Errorf("%w: %s needs a block or error number", ErrSyntax, kind)
		}
		n, err := parseUint16(fields[0])
		if err != nil {
			return Directive{}, fmt.Errorf("%w: number: %v", ErrSyntax, err)
		}
		d.Number = n
		fields = fields[1:]
	}

	if len(fields) == 0 {
		return Directive{}, fmt.Errorf("%w: missing action", ErrSyntax)
	}
	action, args := strings.ToLower(fields[0]), fields[1:]

	switch action {
	case "lose":
		d.Action = ActionLose
	case "invalid_tid", "invalid-tid":
		d.Action = ActionInvalidTID
	case "delay", "duplicate":
		d.Action = ActionDelay
		if action == "duplicate" {
			d.Action = ActionDuplicate
		}
		if len(args) != 1 {
			return Directive{}, fmt.Errorf("%w: %s takes one duration", ErrSyntax, action)
		}
		dur, err := parseDuration(args[0])
		if err != nil {
			return Directive{}, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		d.Delay = dur
		args = nil
	case "contents":
		d.Action = ActionContents
		c, err := parseContents(args)
		if err != nil {
			return Directive{}, err
		}
		d.Contents = c
		args = nil
	default:
		return Directive{}, fmt.Errorf("%w: unknown action %q", ErrSyntax, fields[0])
	}
	if len(args) > 0 {
		return Directive{}, fmt.Errorf("%w: unexpected arguments %q", ErrSyntax, strings.Join(args, " "))
	}

	if err := d.Validate(); err != nil {
		return Directive{}, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return d, nil
}

func parseKind(s string) (packet.Kind, bool) {
	switch strings.ToLower(s) {
	case "request", "rrq", "wrq":
		return packet.KindRequest, true
	case "data":
		return packet.KindData, true
	case "ack":
		return packet.KindAck, true
	case "error":
		return packet.KindError, true
	}
	return 0, false
}

func parseContents(args []string) (*Contents, error) {
	c := &Contents{}
	for _, arg := range args {
		key, value, hasValue := strings.Cut(arg, "=")
		key = strings.ToLower(key)

		if !hasValue {
			switch key {
			case "filename-":
				c.Filename = &FieldEdit{Remove: true}
			case "mode-":
				c.Mode = &FieldEdit{Remove: true}
			default:
				return nil, fmt.Errorf("%w: edit %q has no value", ErrSyntax, arg)
			}
			continue
		}

		switch key {
		case "opcode", "number":
			n, err := parseUint16(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrSyntax, key, err)
			}
			if key == "opcode" {
				c.Opcode = &n
			} else {
				c.Number = &n
			}
		case "filename":
			c.Filename = &FieldEdit{Value: value}
		case "mode":
			c.Mode = &FieldEdit{Value: value}
		case "length":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: length: %v", ErrSyntax, err)
			}
			c.Length = &n
		case "byte":
			e, err := parseByteEdit(value)
			if err != nil {
				return nil, err
			}
			c.Bytes = append(c.Bytes, e)
		default:
			return nil, fmt.Errorf("%w: unknown edit %q", ErrSyntax, key)
		}
	}
	return c, nil
}

func parseByteEdit(s string) (ByteEdit, error) {
	posStr, valStr, ok := strings.Cut(s, ":")
	if !ok {
		return ByteEdit{}, fmt.Errorf("%w: byte edit %q is not POS:VALUE", ErrSyntax, s)
	}
	pos, err := strconv.Atoi(posStr)
	if err != nil || pos < 0 {
		return ByteEdit{}, fmt.Errorf("%w: byte position %q", ErrSyntax, posStr)
	}
	val, err := strconv.ParseUint(valStr, 0, 8)
	if err != nil {
		return ByteEdit{}, fmt.Errorf("%w: byte value %q", ErrSyntax, valStr)
	}
	return ByteEdit{Pos: pos, Value: byte(val)}, nil
}

func parseUint16(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

func parseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}
