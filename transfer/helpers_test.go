package transfer

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tftpsim/packet"
	"github.com/opd-ai/tftpsim/transport"
)

var (
	peerAddr     = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6969}
	serverAddr   = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 69}
	strangerAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7777}
)

type inbound struct {
	data []byte
	from net.Addr
}

type sentDatagram struct {
	data []byte
	to   net.Addr
}

// fakeChannel is a scripted Channel. respond is called for every sent
// datagram and its replies become receivable in order.
type fakeChannel struct {
	mu      sync.Mutex
	sent    []sentDatagram
	queue   []inbound
	respond func(b []byte, to net.Addr) []inbound
}

func (f *fakeChannel) Send(b []byte, addr net.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := append([]byte(nil), b...)
	f.sent = append(f.sent, sentDatagram{data: cp, to: addr})
	if f.respond != nil {
		f.queue = append(f.queue, f.respond(cp, addr)...)
	}
	return nil
}

func (f *fakeChannel) Receive(timeout time.Duration) ([]byte, net.Addr, error) {
	f.mu.Lock()
	if len(f.queue) > 0 {
		in := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return in.data, in.from, nil
	}
	f.mu.Unlock()

	time.Sleep(timeout)
	return nil, nil, transport.ErrTimeout
}

func (f *fakeChannel) sentPackets(t *testing.T) []packet.Packet {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]packet.Packet, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, mustDecode(t, s.data))
	}
	return out
}

func mustDecode(t *testing.T, b []byte) packet.Packet {
	t.Helper()
	p, err := packet.Decode(b)
	require.NoError(t, err)
	return p
}

func encode(t *testing.T, p packet.Packet) []byte {
	t.Helper()
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	return b
}

func fastConfig() Config {
	return Config{
		Timeout:        20 * time.Millisecond,
		MaxRetries:     3,
		SessionTimeout: 200 * time.Millisecond,
	}
}

type memSource struct {
	r    *bytes.Reader
	size int64
}

func newMemSource(b []byte) *memSource {
	return &memSource{r: bytes.NewReader(b), size: int64(len(b))}
}

func (m *memSource) ReadNextBlock(maxBytes int) ([]byte, error) {
	buf := make([]byte, maxBytes)
	n, err := io.ReadFull(m.r, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:n], nil
}

func (m *memSource) Size() int64 { return m.size }

type memSink struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	writes    int
	writeErr  error
	finalized bool
	aborted   bool
}

func (m *memSink) WriteBlock(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes++
	m.buf.Write(b)
	return nil
}

func (m *memSink) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized = true
	return nil
}

func (m *memSink) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = true
	return nil
}

func payloadOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}
