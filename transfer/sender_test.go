package transfer

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tftpsim/packet"
)

// ackEverything answers each DATA with its ACK from peerAddr.
func ackEverything(t *testing.T) func([]byte, net.Addr) []inbound {
	return func(b []byte, _ net.Addr) []inbound {
		d, ok := mustDecode(t, b).(*packet.Data)
		if !ok {
			return nil
		}
		return []inbound{{data: encode(t, &packet.Ack{Block: d.Block}), from: peerAddr}}
	}
}

func dataPackets(t *testing.T, pkts []packet.Packet) []*packet.Data {
	t.Helper()
	var out []*packet.Data
	for _, p := range pkts {
		if d, ok := p.(*packet.Data); ok {
			out = append(out, d)
		}
	}
	return out
}

func TestSenderSendsWholeFile(t *testing.T) {
	ch := &fakeChannel{}
	ch.respond = ackEverything(t)

	content := payloadOf(1024)
	res, err := NewSender(ch, newMemSource(content), peerAddr, fastConfig()).Run(context.Background())
	require.NoError(t, err)

	datas := dataPackets(t, ch.sentPackets(t))
	require.Len(t, datas, 3)
	assert.Equal(t, []int{512, 512, 0}, []int{len(datas[0].Payload), len(datas[1].Payload), len(datas[2].Payload)})
	for i, d := range datas {
		assert.Equal(t, uint16(i+1), d.Block)
	}

	assert.Equal(t, uint32(3), res.Blocks)
	assert.Equal(t, int64(1024), res.Bytes)
	assert.Equal(t, 0, res.Retransmits)
	assert.Len(t, res.Digest, 32)
	assert.Equal(t, peerAddr, res.Peer)
}

func TestSenderEmptyFile(t *testing.T) {
	ch := &fakeChannel{}
	ch.respond = ackEverything(t)

	res, err := NewSender(ch, newMemSource(nil), peerAddr, fastConfig()).Run(context.Background())
	require.NoError(t, err)

	datas := dataPackets(t, ch.sentPackets(t))
	require.Len(t, datas, 1)
	assert.Empty(t, datas[0].Payload)
	assert.Equal(t, uint32(1), res.Blocks)
}

func TestSenderIgnoresDuplicateAck(t *testing.T) {
	ch := &fakeChannel{}
	ch.respond = func(b []byte, _ net.Addr) []inbound {
		d := mustDecode(t, b).(*packet.Data)
		if d.Block == 2 {
			// Stale ACKs for block 1 arrive before the real ACK.
			return []inbound{
				{data: encode(t, &packet.Ack{Block: 1}), from: peerAddr},
				{data: encode(t, &packet.Ack{Block: 1}), from: peerAddr},
				{data: encode(t, &packet.Ack{Block: 2}), from: peerAddr},
			}
		}
		return []inbound{{data: encode(t, &packet.Ack{Block: d.Block}), from: peerAddr}}
	}

	s := NewSender(ch, newMemSource(payloadOf(1200)), peerAddr, fastConfig())
	res, err := s.Run(context.Background())
	require.NoError(t, err)

	datas := dataPackets(t, ch.sentPackets(t))
	require.Len(t, datas, 3, "stale ACKs must not trigger resends")
	assert.Equal(t, []uint16{1, 2, 3}, []uint16{datas[0].Block, datas[1].Block, datas[2].Block})
	assert.Equal(t, 0, res.Retransmits)
	assert.Equal(t, 0, s.Retries())
	assert.Equal(t, uint32(3), s.Block())
}

func TestSenderRetransmitsIdenticalBytes(t *testing.T) {
	ch := &fakeChannel{}
	dropped := false
	ch.respond = func(b []byte, _ net.Addr) []inbound {
		d := mustDecode(t, b).(*packet.Data)
		if d.Block == 1 && !dropped {
			dropped = true
			return nil
		}
		return []inbound{{data: encode(t, &packet.Ack{Block: d.Block}), from: peerAddr}}
	}

	res, err := NewSender(ch, newMemSource(payloadOf(700)), peerAddr, fastConfig()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retransmits)

	require.Len(t, ch.sent, 3)
	assert.Equal(t, ch.sent[0].data, ch.sent[1].data, "retransmission must be byte-identical")
}

func TestSenderAbandonsAfterMaxRetries(t *testing.T) {
	ch := &fakeChannel{}
	cfg := fastConfig()
	cfg.MaxRetries = 2

	_, err := NewSender(ch, newMemSource(payloadOf(10)), peerAddr, cfg).Run(context.Background())
	assert.ErrorIs(t, err, ErrTransferAbandoned)

	pkts := ch.sentPackets(t)
	require.Len(t, pkts, 3, "original plus two retries, and no ERROR")
	for _, p := range pkts {
		assert.IsType(t, &packet.Data{}, p)
	}
}

func TestSenderAnswersUnknownTID(t *testing.T) {
	ch := &fakeChannel{}
	ch.respond = func(b []byte, to net.Addr) []inbound {
		d, ok := mustDecode(t, b).(*packet.Data)
		if !ok {
			return nil
		}
		ack := encode(t, &packet.Ack{Block: d.Block})
		if d.Block == 1 {
			return []inbound{{data: ack, from: strangerAddr}, {data: ack, from: peerAddr}}
		}
		return []inbound{{data: ack, from: peerAddr}}
	}

	_, err := NewSender(ch, newMemSource(payloadOf(600)), peerAddr, fastConfig()).Run(context.Background())
	require.NoError(t, err)

	var errs []sentDatagram
	for _, s := range ch.sent {
		if e, ok := mustDecode(t, s.data).(*packet.Error); ok {
			assert.Equal(t, packet.ErrUnknownTID, e.Code)
			errs = append(errs, s)
		}
	}
	require.Len(t, errs, 1)
	assert.Equal(t, strangerAddr, errs[0].to)
}

func TestSenderProtocolViolation(t *testing.T) {
	ch := &fakeChannel{}
	ch.respond = func(b []byte, _ net.Addr) []inbound {
		if _, ok := mustDecode(t, b).(*packet.Data); !ok {
			return nil
		}
		return []inbound{{data: encode(t, &packet.Ack{Block: 9}), from: peerAddr}}
	}

	_, err := NewSender(ch, newMemSource(payloadOf(10)), peerAddr, fastConfig()).Run(context.Background())
	assert.ErrorIs(t, err, ErrProtocolViolation)

	pkts := ch.sentPackets(t)
	require.Len(t, pkts, 2)
	e, ok := pkts[1].(*packet.Error)
	require.True(t, ok)
	assert.Equal(t, packet.ErrIllegalOperation, e.Code)
	assert.Equal(t, peerAddr, ch.sent[1].to)
}

func TestSenderMalformedReply(t *testing.T) {
	ch := &fakeChannel{}
	ch.respond = func(b []byte, _ net.Addr) []inbound {
		if _, ok := mustDecode(t, b).(*packet.Data); !ok {
			return nil
		}
		return []inbound{{data: []byte{0, 4, 0}, from: peerAddr}}
	}

	_, err := NewSender(ch, newMemSource(payloadOf(10)), peerAddr, fastConfig()).Run(context.Background())
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.ErrorIs(t, err, packet.ErrMalformed)
}

func TestSenderPeerErrorAbortsWithoutReply(t *testing.T) {
	ch := &fakeChannel{}
	ch.respond = func(b []byte, _ net.Addr) []inbound {
		if _, ok := mustDecode(t, b).(*packet.Data); !ok {
			return nil
		}
		return []inbound{{data: encode(t, packet.NewError(packet.ErrDiskFull, "")), from: peerAddr}}
	}

	_, err := NewSender(ch, newMemSource(payloadOf(10)), peerAddr, fastConfig()).Run(context.Background())
	assert.ErrorIs(t, err, ErrProtocolViolation)

	var peerErr *PeerError
	require.True(t, errors.As(err, &peerErr))
	assert.Equal(t, packet.ErrDiskFull, peerErr.Code)
	assert.Len(t, ch.sent, 1, "no ERROR is sent in reply to an ERROR")
}

func TestInitiatingSenderHandshake(t *testing.T) {
	tid := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	ch := &fakeChannel{}
	ch.respond = func(b []byte, to net.Addr) []inbound {
		switch p := mustDecode(t, b).(type) {
		case *packet.Request:
			return []inbound{{data: encode(t, &packet.Ack{Block: 0}), from: tid}}
		case *packet.Data:
			if p.Block == 1 {
				// A duplicated ACK 0 is stale, not a violation.
				return []inbound{
					{data: encode(t, &packet.Ack{Block: 0}), from: tid},
					{data: encode(t, &packet.Ack{Block: 1}), from: tid},
				}
			}
			return []inbound{{data: encode(t, &packet.Ack{Block: p.Block}), from: tid}}
		}
		return nil
	}

	wrq := encode(t, packet.NewWriteRequest("up.bin"))
	s := NewInitiatingSender(ch, newMemSource(payloadOf(100)), Opening{Packet: wrq, Addr: serverAddr}, fastConfig())
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tid, s.Peer())
	assert.Equal(t, uint32(1), res.Blocks)

	require.Len(t, ch.sent, 2)
	assert.Equal(t, serverAddr, ch.sent[0].to)
	assert.Equal(t, tid, ch.sent[1].to)
}

func TestInitiatingSenderRejected(t *testing.T) {
	ch := &fakeChannel{}
	ch.respond = func(b []byte, _ net.Addr) []inbound {
		return []inbound{{data: encode(t, packet.NewError(packet.ErrFileExists, "")), from: peerAddr}}
	}

	wrq := encode(t, packet.NewWriteRequest("exists.bin"))
	_, err := NewInitiatingSender(ch, newMemSource(payloadOf(100)), Opening{Packet: wrq, Addr: serverAddr}, fastConfig()).Run(context.Background())

	var peerErr *PeerError
	require.True(t, errors.As(err, &peerErr))
	assert.Equal(t, packet.ErrFileExists, peerErr.Code)
	assert.Len(t, ch.sent, 1, "no DATA after a rejected request")
}

func TestInitiatingSenderRetransmitsRequest(t *testing.T) {
	ch := &fakeChannel{}
	cfg := fastConfig()
	cfg.MaxRetries = 1

	wrq := encode(t, packet.NewWriteRequest("x"))
	_, err := NewInitiatingSender(ch, newMemSource(nil), Opening{Packet: wrq, Addr: serverAddr}, cfg).Run(context.Background())
	assert.ErrorIs(t, err, ErrTransferAbandoned)
	require.Len(t, ch.sent, 2)
	assert.Equal(t, ch.sent[0].data, ch.sent[1].data)
}

func TestSenderCancelled(t *testing.T) {
	ch := &fakeChannel{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSender(ch, newMemSource(payloadOf(10)), peerAddr, fastConfig()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
