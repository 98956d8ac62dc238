package bridge

import (
	"context"
	"errors"
	"image"
	"sync"
)

var (
	// ErrClosed is returned when sending on a closed port.
	ErrClosed = errors.New("bridge: port closed")
	// ErrFull is returned by TrySend when the peer is not keeping up.
	ErrFull = errors.New("bridge: port full")
)

// Packet is what crosses the channel: the serialized envelope and the
// transferred bitmap.
type Packet struct {
	Data   []byte
	Bitmap *image.RGBA
}

// Port is one end of a pipe.
type Port struct {
	in  <-chan Packet
	out chan Packet

	mu     sync.RWMutex
	closed bool
}

// NewPipe returns two connected ports: what one sends, the other receives.
func NewPipe(buffer int) (host, worker *Port) {
	a := make(chan Packet, buffer)
	b := make(chan Packet, buffer)
	return &Port{in: b, out: a}, &Port{in: a, out: b}
}

func pack(m *Message) (Packet, error) {
	if err := m.Validate(); err != nil {
		return Packet{}, err
	}
	data, err := Encode(m)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Data: data, Bitmap: m.Transfer()}, nil
}

// Send validates and delivers m, blocking until the peer has room or ctx
// ends. On success the bitmap belongs to the receiver and m.Bitmap is nil.
func (p *Port) Send(ctx context.Context, m *Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	bitmap := m.Bitmap
	pkt, err := pack(m)
	if err != nil {
		return err
	}
	select {
	case p.out <- pkt:
		return nil
	case <-ctx.Done():
		m.Bitmap = bitmap
		return ctx.Err()
	}
}

// TrySend is Send without blocking.
func (p *Port) TrySend(m *Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	bitmap := m.Bitmap
	pkt, err := pack(m)
	if err != nil {
		return err
	}
	select {
	case p.out <- pkt:
		return nil
	default:
		m.Bitmap = bitmap
		return ErrFull
	}
}

// C returns the incoming packets for use in select loops; decode them
// with Unpack.
func (p *Port) C() <-chan Packet {
	return p.in
}

// Unpack decodes a received packet.
func Unpack(pkt Packet) (*Message, error) {
	return Decode(pkt.Data, pkt.Bitmap)
}

// Recv blocks for the next message. It returns ErrClosed once the peer
// closed its side.
func (p *Port) Recv(ctx context.Context) (*Message, error) {
	select {
	case pkt, ok := <-p.in:
		if !ok {
			return nil, ErrClosed
		}
		return Unpack(pkt)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll returns the next message if one is waiting. ok is false when none
// is; err is ErrClosed once the peer closed its side.
func (p *Port) Poll() (*Message, bool, error) {
	select {
	case pkt, ok := <-p.in:
		if !ok {
			return nil, false, ErrClosed
		}
		m, err := Unpack(pkt)
		return m, true, err
	default:
		return nil, false, nil
	}
}

// Close stops sending. The peer sees its receive channel closed.
func (p *Port) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.out)
	}
}
