package j1939

import (
	"context"
	"time"

	"github.com/pion/logging"

	"github.com/motorlink/canstack/can"
)

// TP.CM control bytes.
const (
	ctrlRTS         = 0x10
	ctrlCTS         = 0x11
	ctrlEndOfMsgACK = 0x13
	ctrlBAM         = 0x20
	ctrlAbort       = 0xFF
)

const (
	tpPriority    = 7
	packetDataLen = 7
)

// Message is one network-layer payload: either a direct frame or a completed
// multi-packet reassembly.
type Message struct {
	PGN         uint32
	Source      uint8
	Destination uint8
	Data        []byte
}

// Request is one queued transmission, resolved when the transfer completes.
type Request struct {
	pgn  uint32
	dest uint8
	data []byte

	done chan struct{}
	err  error
}

// Done returns a channel closed once the transfer completed or failed.
func (r *Request) Done() <-chan struct{} { return r.done }

// Err returns the transfer outcome. Only valid after Done is closed.
func (r *Request) Err() error { return r.err }

func (r *Request) finish(err error) {
	r.err = err
	close(r.done)
}

type rxSession struct {
	source   uint8
	dest     uint8
	pgn      uint32
	total    int
	packets  int
	nextSeq  int
	sinceCTS int
	allowed  int
	buf      []byte
	bam      bool
	deadline time.Time
}

type txState uint8

const (
	txWaitCTS txState = iota
	txWaitACK
	txBroadcasting
)

type txSession struct {
	req      *Request
	dest     uint8
	pgn      uint32
	data     []byte
	packets  int
	nextSeq  int
	state    txState
	deadline time.Time
	nextSend time.Time
}

// Transport is one J1939 node's network layer. Reassembly sessions are keyed
// by originator address; a conflicting announcement aborts and replaces the
// running session for that key. All state is owned by the Run goroutine.
type Transport struct {
	cfg Config
	log logging.LeveledLogger

	sendChan  chan *Request
	recvChan  chan Message
	errChan   chan error
	abortChan chan struct{}

	rx map[uint8]*rxSession
	tx map[uint8]*txSession

	wake *time.Timer
}

// NewTransport builds a node with the given configuration.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	t := &Transport{
		cfg:       cfg,
		log:       cfg.LoggerFactory.NewLogger("j1939"),
		sendChan:  make(chan *Request, 8),
		recvChan:  make(chan Message, 16),
		errChan:   make(chan error, 16),
		abortChan: make(chan struct{}, 1),
		rx:        make(map[uint8]*rxSession),
		tx:        make(map[uint8]*txSession),
		wake:      time.NewTimer(time.Hour),
	}
	haltTimer(t.wake)
	return t, nil
}

// Address returns our source address.
func (t *Transport) Address() uint8 { return t.cfg.Address }

// Messages returns the channel of inbound network-layer payloads.
func (t *Transport) Messages() <-chan Message { return t.recvChan }

// Errors returns the channel of receive-side protocol errors.
func (t *Transport) Errors() <-chan error { return t.errChan }

// Abort tears down every running session: pending sends fail with
// SendAbortedError and connection-mode peers are notified with a TP.CM abort.
func (t *Transport) Abort() {
	select {
	case t.abortChan <- struct{}{}:
	default:
	}
}

// Send queues a point-to-point transmission. Payloads of up to 8 bytes go out
// as a single frame; longer ones run the RTS/CTS connection.
func (t *Transport) Send(ctx context.Context, pgn uint32, dest uint8, data []byte) (*Request, error) {
	return t.queue(ctx, pgn, dest, data)
}

// Broadcast queues a transmission to all nodes. Payloads beyond one frame are
// announced with BAM and paced at the configured interval, with no handshake.
func (t *Transport) Broadcast(ctx context.Context, pgn uint32, data []byte) (*Request, error) {
	return t.queue(ctx, pgn, BroadcastAddress, data)
}

func (t *Transport) queue(ctx context.Context, pgn uint32, dest uint8, data []byte) (*Request, error) {
	if len(data) == 0 {
		return nil, newError("cannot send empty payload")
	}
	if len(data) > t.cfg.MaxMsgLength {
		return nil, newMessageTooLong(len(data), t.cfg.MaxMsgLength)
	}
	req := &Request{pgn: pgn, dest: dest, data: data, done: make(chan struct{})}
	select {
	case t.sendChan <- req:
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run drives the node until ctx is cancelled.
func (t *Transport) Run(ctx context.Context, rxChan <-chan can.Frame, txChan chan<- can.Frame) {
	defer t.shutdown()

	for {
		t.armWake()
		select {
		case <-ctx.Done():
			return
		case frame := <-rxChan:
			t.processFrame(frame, txChan)
		case req := <-t.sendChan:
			t.startSend(req, txChan)
		case <-t.abortChan:
			t.abortAll(txChan)
		case <-t.wake.C:
			t.onWake(time.Now(), txChan)
		}
	}
}

func (t *Transport) abortAll(txChan chan<- can.Frame) {
	for dest, s := range t.tx {
		delete(t.tx, dest)
		if s.state != txBroadcasting {
			t.sendAbort(s.dest, s.pgn, AbortReasonResources, txChan)
		}
		s.req.finish(newSendAborted("aborted by caller"))
	}
	for source, s := range t.rx {
		delete(t.rx, source)
		if !s.bam {
			t.sendAbort(s.source, s.pgn, AbortReasonResources, txChan)
		}
	}
}

func (t *Transport) shutdown() {
	haltTimer(t.wake)
	for dest, s := range t.tx {
		s.req.finish(newSendAborted("transport stopped"))
		delete(t.tx, dest)
	}
}

// armWake points the timer at the earliest pending deadline.
func (t *Transport) armWake() {
	var next time.Time
	consider := func(ts time.Time) {
		if next.IsZero() || ts.Before(next) {
			next = ts
		}
	}
	for _, s := range t.rx {
		consider(s.deadline)
	}
	for _, s := range t.tx {
		if s.state == txBroadcasting {
			consider(s.nextSend)
		} else {
			consider(s.deadline)
		}
	}
	haltTimer(t.wake)
	if next.IsZero() {
		t.wake.Reset(time.Hour)
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	t.wake.Reset(d)
}

func (t *Transport) processFrame(frame can.Frame, txChan chan<- can.Frame) {
	if !frame.IsExtended {
		return
	}
	h := DecodeID(frame.ID)
	if h.Source == t.cfg.Address {
		return
	}
	switch h.PGN {
	case PGNTPConnection:
		if h.Destination != t.cfg.Address && !h.IsBroadcast() {
			return
		}
		t.handleConnection(h, frame.Data, txChan)
	case PGNTPData:
		if h.Destination != t.cfg.Address && !h.IsBroadcast() {
			return
		}
		t.handleData(h, frame.Data, txChan)
	default:
		if h.Destination != t.cfg.Address && !h.IsBroadcast() {
			return
		}
		t.deliver(Message{PGN: h.PGN, Source: h.Source, Destination: h.Destination, Data: frame.Data})
	}
}

func (t *Transport) handleConnection(h Header, data []byte, txChan chan<- can.Frame) {
	if len(data) < 8 {
		return
	}
	switch data[0] {
	case ctrlRTS:
		t.handleRTS(h, data, txChan)
	case ctrlBAM:
		t.handleBAM(h, data)
	case ctrlCTS:
		t.handleCTS(h, data, txChan)
	case ctrlEndOfMsgACK:
		if s, ok := t.tx[h.Source]; ok && s.state == txWaitACK {
			delete(t.tx, h.Source)
			s.req.finish(nil)
		}
	case ctrlAbort:
		if s, ok := t.tx[h.Source]; ok {
			delete(t.tx, h.Source)
			s.req.finish(newAbort(data[1]))
		}
		if _, ok := t.rx[h.Source]; ok {
			delete(t.rx, h.Source)
			t.fireError(newAbort(data[1]))
		}
	}
}

func (t *Transport) handleRTS(h Header, data []byte, txChan chan<- can.Frame) {
	size := int(data[1]) | int(data[2])<<8
	packets := int(data[3])
	pgn := uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16

	if old, ok := t.rx[h.Source]; ok {
		// Conflicting announcement aborts and replaces the old session.
		t.log.Debugf("session from %#02x replaced by new RTS", old.source)
		delete(t.rx, h.Source)
	} else if len(t.rx) >= t.cfg.MaxSessions {
		t.sendAbort(h.Source, pgn, AbortReasonResources, txChan)
		t.fireError(newAbort(AbortReasonResources))
		return
	}
	if size > t.cfg.MaxMsgLength {
		t.sendAbort(h.Source, pgn, AbortReasonResources, txChan)
		t.fireError(newMessageTooLong(size, t.cfg.MaxMsgLength))
		return
	}

	s := &rxSession{
		source:   h.Source,
		dest:     t.cfg.Address,
		pgn:      pgn,
		total:    size,
		packets:  packets,
		nextSeq:  1,
		buf:      make([]byte, 0, size),
		deadline: time.Now().Add(t.cfg.T1),
	}
	s.allowed = t.ctsWindow(packets)
	t.rx[h.Source] = s
	t.sendCTS(s, txChan)
}

func (t *Transport) handleBAM(h Header, data []byte) {
	size := int(data[1]) | int(data[2])<<8
	packets := int(data[3])
	pgn := uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16

	if size > t.cfg.MaxMsgLength {
		t.fireError(newMessageTooLong(size, t.cfg.MaxMsgLength))
		return
	}
	// Broadcasts have no handshake, so a slot is taken silently; a running
	// session from the same originator is replaced.
	t.rx[h.Source] = &rxSession{
		source:   h.Source,
		dest:     BroadcastAddress,
		pgn:      pgn,
		total:    size,
		packets:  packets,
		nextSeq:  1,
		buf:      make([]byte, 0, size),
		bam:      true,
		deadline: time.Now().Add(t.cfg.T1),
	}
}

func (t *Transport) handleCTS(h Header, data []byte, txChan chan<- can.Frame) {
	s, ok := t.tx[h.Source]
	if !ok || s.state != txWaitCTS {
		return
	}
	allowed := int(data[1])
	if allowed == 0 {
		// Receiver stall: hold the connection open.
		s.deadline = time.Now().Add(t.cfg.T4)
		return
	}
	next := int(data[2])
	if next < 1 || next > s.packets {
		// A packet number outside the announced range cannot be honored;
		// tear the connection down instead of trusting it.
		delete(t.tx, h.Source)
		t.sendAbort(h.Source, s.pgn, AbortReasonResources, txChan)
		s.req.finish(newSendAborted("CTS requested a packet outside the announced range"))
		return
	}
	s.nextSeq = next
	for i := 0; i < allowed && s.nextSeq <= s.packets; i++ {
		t.sendDataPacket(s, txChan)
	}
	if s.nextSeq > s.packets {
		s.state = txWaitACK
		s.deadline = time.Now().Add(t.cfg.T3)
	} else {
		s.deadline = time.Now().Add(t.cfg.T3)
	}
}

func (t *Transport) handleData(h Header, data []byte, txChan chan<- can.Frame) {
	s, ok := t.rx[h.Source]
	if !ok || len(data) < 1 {
		return
	}
	seq := int(data[0])
	if seq != s.nextSeq {
		delete(t.rx, h.Source)
		t.fireError(newSequenceError(s.nextSeq, seq))
		if !s.bam {
			t.sendAbort(s.source, s.pgn, AbortReasonResources, txChan)
		}
		return
	}

	chunk := data[1:]
	remaining := s.total - len(s.buf)
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
	}
	s.buf = append(s.buf, chunk...)
	s.nextSeq++
	s.sinceCTS++
	s.deadline = time.Now().Add(t.cfg.T2)

	if len(s.buf) >= s.total {
		delete(t.rx, h.Source)
		if !s.bam {
			t.sendEndOfMsgACK(s, txChan)
		}
		t.deliver(Message{PGN: s.pgn, Source: s.source, Destination: s.dest, Data: s.buf})
		return
	}
	if !s.bam && s.sinceCTS >= s.allowed {
		s.sinceCTS = 0
		s.allowed = t.ctsWindow(s.packets - s.nextSeq + 1)
		t.sendCTS(s, txChan)
		s.deadline = time.Now().Add(t.cfg.T1)
	}
}

func (t *Transport) startSend(req *Request, txChan chan<- can.Frame) {
	if len(req.data) <= can.MaxClassicDataLen {
		t.transmit(Header{Priority: t.cfg.Priority, PGN: req.pgn, Destination: req.dest, Source: t.cfg.Address}, req.data, txChan)
		req.finish(nil)
		return
	}

	if old, ok := t.tx[req.dest]; ok {
		delete(t.tx, req.dest)
		old.req.finish(newSendAborted("replaced by a new send to the same destination"))
	}

	s := &txSession{
		req:     req,
		dest:    req.dest,
		pgn:     req.pgn,
		data:    req.data,
		packets: (len(req.data) + packetDataLen - 1) / packetDataLen,
		nextSeq: 1,
	}
	t.tx[req.dest] = s

	size := len(req.data)
	announce := []byte{
		ctrlRTS,
		byte(size), byte(size >> 8),
		byte(s.packets),
		0xFF,
		byte(req.pgn), byte(req.pgn >> 8), byte(req.pgn >> 16),
	}
	if req.dest == BroadcastAddress {
		announce[0] = ctrlBAM
		s.state = txBroadcasting
		s.nextSend = time.Now().Add(t.cfg.BAMInterval)
	} else {
		s.state = txWaitCTS
		s.deadline = time.Now().Add(t.cfg.T3)
	}
	t.transmit(Header{Priority: tpPriority, PGN: PGNTPConnection, Destination: req.dest, Source: t.cfg.Address}, announce, txChan)
}

func (t *Transport) onWake(now time.Time, txChan chan<- can.Frame) {
	for source, s := range t.rx {
		if now.Before(s.deadline) {
			continue
		}
		delete(t.rx, source)
		t.fireError(newTimeout("TP.DT"))
		if !s.bam {
			t.sendAbort(s.source, s.pgn, AbortReasonTimeout, txChan)
		}
	}
	for dest, s := range t.tx {
		switch s.state {
		case txBroadcasting:
			if now.Before(s.nextSend) {
				continue
			}
			t.sendDataPacket(s, txChan)
			if s.nextSeq > s.packets {
				delete(t.tx, dest)
				s.req.finish(nil)
				continue
			}
			s.nextSend = now.Add(t.cfg.BAMInterval)
		case txWaitCTS:
			if now.Before(s.deadline) {
				continue
			}
			delete(t.tx, dest)
			s.req.finish(newTimeout("CTS"))
		case txWaitACK:
			if now.Before(s.deadline) {
				continue
			}
			delete(t.tx, dest)
			s.req.finish(newTimeout("EndOfMsgACK"))
		}
	}
}

func (t *Transport) ctsWindow(remaining int) int {
	if t.cfg.CTSPackets == 0 || int(t.cfg.CTSPackets) >= remaining {
		return remaining
	}
	return int(t.cfg.CTSPackets)
}

func (t *Transport) sendCTS(s *rxSession, txChan chan<- can.Frame) {
	payload := []byte{
		ctrlCTS,
		byte(s.allowed),
		byte(s.nextSeq),
		0xFF, 0xFF,
		byte(s.pgn), byte(s.pgn >> 8), byte(s.pgn >> 16),
	}
	t.transmit(Header{Priority: tpPriority, PGN: PGNTPConnection, Destination: s.source, Source: t.cfg.Address}, payload, txChan)
}

func (t *Transport) sendEndOfMsgACK(s *rxSession, txChan chan<- can.Frame) {
	payload := []byte{
		ctrlEndOfMsgACK,
		byte(s.total), byte(s.total >> 8),
		byte(s.packets),
		0xFF,
		byte(s.pgn), byte(s.pgn >> 8), byte(s.pgn >> 16),
	}
	t.transmit(Header{Priority: tpPriority, PGN: PGNTPConnection, Destination: s.source, Source: t.cfg.Address}, payload, txChan)
}

func (t *Transport) sendAbort(dest uint8, pgn uint32, reason uint8, txChan chan<- can.Frame) {
	payload := []byte{
		ctrlAbort,
		reason,
		0xFF, 0xFF, 0xFF,
		byte(pgn), byte(pgn >> 8), byte(pgn >> 16),
	}
	t.transmit(Header{Priority: tpPriority, PGN: PGNTPConnection, Destination: dest, Source: t.cfg.Address}, payload, txChan)
}

func (t *Transport) sendDataPacket(s *txSession, txChan chan<- can.Frame) {
	start := (s.nextSeq - 1) * packetDataLen
	end := start + packetDataLen
	if end > len(s.data) {
		end = len(s.data)
	}
	payload := make([]byte, 8)
	payload[0] = byte(s.nextSeq)
	n := copy(payload[1:], s.data[start:end])
	for i := 1 + n; i < 8; i++ {
		payload[i] = 0xFF
	}
	t.transmit(Header{Priority: tpPriority, PGN: PGNTPData, Destination: s.dest, Source: t.cfg.Address}, payload, txChan)
	s.nextSeq++
}

func (t *Transport) transmit(h Header, data []byte, txChan chan<- can.Frame) {
	frame := can.Frame{ID: h.Encode(), Data: data, IsExtended: true}
	select {
	case txChan <- frame:
	default:
		t.log.Warnf("tx channel full, dropping frame id=%#x", frame.ID)
	}
}

func (t *Transport) deliver(msg Message) {
	select {
	case t.recvChan <- msg:
	default:
		t.log.Warnf("receive queue full, dropping pgn %#x from %#02x", msg.PGN, msg.Source)
	}
}

func (t *Transport) fireError(err error) {
	select {
	case t.errChan <- err:
	default:
		t.log.Warnf("error queue full: %v", err)
	}
}

func haltTimer(tm *time.Timer) {
	if !tm.Stop() {
		select {
		case <-tm.C:
		default:
		}
	}
}
