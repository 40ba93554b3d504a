package buffer

// Config sizes a [Duplex].
type Config struct {
	// InboundBytes is the capacity of the caller-to-gateway buffer.
	InboundBytes int

	// OutboundFrames is the capacity of the gateway-to-caller queue.
	OutboundFrames int
}

// Duplex is the buffer pair owned by one relay session.
type Duplex struct {
	// Inbound is written by the telephony loop and read by the sender.
	Inbound *ByteBuffer

	// Outbound is written by the receiver and read by the telephony loop.
	Outbound *FrameQueue
}

// NewDuplex allocates both directions.
func NewDuplex(cfg Config) *Duplex {
	return &Duplex{
		Inbound:  NewByteBuffer(cfg.InboundBytes),
		Outbound: NewFrameQueue(cfg.OutboundFrames),
	}
}

// Close wakes every waiter on the inbound side.
func (d *Duplex) Close() {
	d.Inbound.Close()
}

// Drain empties both directions and reports what was discarded.
func (d *Duplex) Drain() (inboundBytes, outboundFrames int) {
	return d.Inbound.Drain(), d.Outbound.Drain()
}
