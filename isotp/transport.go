package isotp

import (
	"context"
	"time"

	"github.com/pion/logging"

	"github.com/motorlink/canstack/can"
)

type state uint8

const (
	stateIdle state = iota
	stateWaitFC
	stateTransmit
	stateWaitCF
)

// Request is one queued transmission. Done is closed when the transfer
// finishes; Err is valid after that.
type Request struct {
	data   []byte
	target TargetType

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

// Transport is one ISO-TP link. All state is owned by the Run goroutine;
// Send and Messages are the only concurrent entry points.
type Transport struct {
	address Address
	config  Config
	log     logging.LeveledLogger

	sendChan  chan *Request
	recvChan  chan []byte
	errChan   chan error
	abortChan chan struct{}

	rxState        state
	rxBuffer       []byte
	rxFrameLen     int
	rxSeqNum       int
	rxBlockCounter int

	txState        state
	txReq          *Request
	txBuffer       []byte
	txSeqNum       int
	txBlockCounter int

	remoteBlockSize int
	remoteSTmin     time.Duration
	wftCounter      int

	timerRxCF    *time.Timer
	timerRxFC    *time.Timer
	timerTxSTmin *time.Timer
}

// NewTransport builds a transport for one address pair. Config must have
// passed Validate; DefaultConfig does.
func NewTransport(address Address, cfg Config) (*Transport, error) {
	if err := address.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	t := &Transport{
		address:   address,
		config:    cfg,
		log:       cfg.LoggerFactory.NewLogger("isotp"),
		sendChan:  make(chan *Request, 4),
		recvChan:  make(chan []byte, 16),
		errChan:   make(chan error, 16),
		abortChan: make(chan struct{}, 1),

		timerRxCF:    time.NewTimer(time.Hour),
		timerRxFC:    time.NewTimer(time.Hour),
		timerTxSTmin: time.NewTimer(time.Hour),
	}
	stopTimer(t.timerRxCF)
	stopTimer(t.timerRxFC)
	stopTimer(t.timerTxSTmin)
	return t, nil
}

// Send queues data for transmission to the physical target and returns the
// pending request. With BlockingSend set it waits for completion instead.
func (t *Transport) Send(ctx context.Context, data []byte) (*Request, error) {
	return t.send(ctx, data, Physical)
}

// SendFunctional queues a functionally addressed transmission. Functional
// requests must fit in a single frame.
func (t *Transport) SendFunctional(ctx context.Context, data []byte) (*Request, error) {
	return t.send(ctx, data, Functional)
}

func (t *Transport) send(ctx context.Context, data []byte, target TargetType) (*Request, error) {
	if len(data) == 0 {
		return nil, newError("cannot send empty payload")
	}
	maxLen := t.maxPayloadLen()
	if len(data) > maxLen {
		return nil, newMessageTooLong(len(data), maxLen)
	}
	if target == Functional {
		capacity := t.config.MaxFrameDataLen - t.address.RxPrefixSize() - singleFramePCISize(len(data))
		if len(data) > capacity {
			return nil, newError("functional requests must fit in a single frame")
		}
	}

	req := &Request{data: data, target: target, done: make(chan struct{})}
	select {
	case t.sendChan <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !t.config.BlockingSend {
		return req, nil
	}
	select {
	case <-req.done:
		return req, req.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) maxPayloadLen() int {
	if t.config.MaxFrameDataLen > can.MaxClassicDataLen {
		// FD first frames carry the 32-bit escape length.
		return 1<<31 - 1
	}
	return t.config.MaxMsgLength
}

// Abort cancels the transfers in flight: a pending send fails with
// SendAbortedError and a partial reassembly is discarded without notice to
// the peer. Sends queued but not yet admitted are unaffected.
func (t *Transport) Abort() {
	select {
	case t.abortChan <- struct{}{}:
	default:
	}
}

// Messages returns the channel of fully reassembled inbound payloads.
func (t *Transport) Messages() <-chan []byte { return t.recvChan }

// Errors returns the channel of receive-side protocol errors. Transmit
// errors are reported on the request instead.
func (t *Transport) Errors() <-chan error { return t.errChan }

// Run drives the link until ctx is cancelled. Frames for other links on
// rxChan are ignored; outbound frames go to txChan.
func (t *Transport) Run(ctx context.Context, rxChan <-chan can.Frame, txChan chan<- can.Frame) {
	defer t.shutdown()

	for {
		// New transmissions are only admitted while the tx side is idle.
		var sendGate <-chan *Request
		if t.txState == stateIdle {
			sendGate = t.sendChan
		}

		select {
		case <-ctx.Done():
			return

		case frame := <-rxChan:
			t.processFrame(frame, txChan)

		case req := <-sendGate:
			t.initiateTx(req, txChan)

		case <-t.abortChan:
			t.abortSending(newSendAborted("aborted by caller"))
			t.stopReceiving()

		case <-t.timerRxCF.C:
			t.fireError(newTransportTimeout("ConsecutiveFrame"))
			t.stopReceiving()

		case <-t.timerRxFC.C:
			t.abortSending(newTransportTimeout("FlowControl"))

		case <-t.timerTxSTmin.C:
			if t.txState == stateTransmit {
				t.sendNextConsecutive(txChan)
			}
		}
	}
}

func (t *Transport) shutdown() {
	stopTimer(t.timerRxCF)
	stopTimer(t.timerRxFC)
	stopTimer(t.timerTxSTmin)
	if t.txReq != nil {
		t.txReq.finish(newSendAborted("transport stopped"))
		t.txReq = nil
	}
}

func (t *Transport) processFrame(frame can.Frame, txChan chan<- can.Frame) {
	if !t.address.IsForMe(frame) {
		return
	}
	ev, err := ParseFrame(frame, t.address.RxPrefixSize())
	if err != nil {
		t.fireError(err)
		return
	}
	switch f := ev.(type) {
	case *SingleFrame:
		t.handleSingleFrame(f)
	case *FirstFrame:
		t.handleFirstFrame(f, txChan)
	case *ConsecutiveFrame:
		t.handleConsecutiveFrame(f, txChan)
	case *FlowControlFrame:
		t.handleFlowControl(f, txChan)
	}
}

func (t *Transport) handleSingleFrame(f *SingleFrame) {
	if t.rxState != stateIdle {
		t.fireError(newUnexpectedFrame("reception interrupted by a new SingleFrame"))
	}
	t.stopReceiving()
	t.deliver(f.Data)
}

func (t *Transport) handleFirstFrame(f *FirstFrame, txChan chan<- can.Frame) {
	if t.rxState != stateIdle {
		t.fireError(newUnexpectedFrame("reception interrupted by a new FirstFrame"))
		t.stopReceiving()
	}
	if f.TotalSize > t.config.MaxMsgLength {
		t.sendFlowControl(FlowStatusOverflow, txChan)
		t.fireError(newMessageTooLong(f.TotalSize, t.config.MaxMsgLength))
		return
	}

	t.rxFrameLen = f.TotalSize
	t.rxBuffer = make([]byte, 0, f.TotalSize)
	t.rxBuffer = append(t.rxBuffer, f.Data...)
	t.rxState = stateWaitCF
	t.rxSeqNum = 1
	t.rxBlockCounter = 0
	t.sendFlowControl(FlowStatusContinueToSend, txChan)
	resetTimer(t.timerRxCF, t.config.TimeoutCF)
}

func (t *Transport) handleConsecutiveFrame(f *ConsecutiveFrame, txChan chan<- can.Frame) {
	if t.rxState != stateWaitCF {
		// Late frame from an aborted transfer.
		return
	}
	if f.SequenceNumber != t.rxSeqNum {
		t.fireError(newSequenceError(t.rxSeqNum, f.SequenceNumber))
		t.stopReceiving()
		return
	}
	resetTimer(t.timerRxCF, t.config.TimeoutCF)
	t.rxSeqNum = (t.rxSeqNum + 1) % 16

	remaining := t.rxFrameLen - len(t.rxBuffer)
	if len(f.Data) > remaining {
		t.rxBuffer = append(t.rxBuffer, f.Data[:remaining]...)
	} else {
		t.rxBuffer = append(t.rxBuffer, f.Data...)
	}

	if len(t.rxBuffer) >= t.rxFrameLen {
		data := t.rxBuffer
		t.stopReceiving()
		t.deliver(data)
		return
	}

	t.rxBlockCounter++
	if t.config.BlockSize > 0 && t.rxBlockCounter >= int(t.config.BlockSize) {
		t.rxBlockCounter = 0
		t.sendFlowControl(FlowStatusContinueToSend, txChan)
		resetTimer(t.timerRxCF, t.config.TimeoutCF)
	}
}

func (t *Transport) handleFlowControl(f *FlowControlFrame, txChan chan<- can.Frame) {
	if t.txState != stateWaitFC {
		// Unsolicited or late flow control.
		return
	}
	switch f.FlowStatus {
	case FlowStatusContinueToSend:
		t.wftCounter = 0
		t.remoteBlockSize = f.BlockSize
		t.remoteSTmin = f.STmin
		if t.config.TxSTminOverride > 0 {
			t.remoteSTmin = t.config.TxSTminOverride
		}
		t.txState = stateTransmit
		t.txBlockCounter = 0
		stopTimer(t.timerRxFC)
		t.sendNextConsecutive(txChan)

	case FlowStatusWait:
		t.wftCounter++
		if t.wftCounter > t.config.WftMax {
			t.abortSending(newWaitFrameLimit(t.config.WftMax))
			return
		}
		resetTimer(t.timerRxFC, t.config.TimeoutFC)

	case FlowStatusOverflow:
		t.abortSending(newOverflowError(true, "peer reported buffer overflow"))
	}
}

func (t *Transport) initiateTx(req *Request, txChan chan<- can.Frame) {
	capacity := t.config.MaxFrameDataLen - t.address.RxPrefixSize()

	if len(req.data)+singleFramePCISize(len(req.data)) <= capacity {
		payload, err := createSingleFramePayload(req.data, capacity)
		if err != nil {
			req.finish(err)
			return
		}
		t.transmit(payload, req.target, txChan)
		req.finish(nil)
		return
	}

	// Multi-frame: first frame, then wait for clearance.
	ffChunk := capacity - firstFramePCISize(len(req.data))
	payload, err := createFirstFramePayload(req.data[:ffChunk], len(req.data), capacity)
	if err != nil {
		req.finish(err)
		return
	}
	t.txReq = req
	t.txBuffer = req.data[ffChunk:]
	t.txSeqNum = 1
	t.txState = stateWaitFC
	t.wftCounter = 0
	t.transmit(payload, req.target, txChan)
	resetTimer(t.timerRxFC, t.config.TimeoutFC)
}

func (t *Transport) sendNextConsecutive(txChan chan<- can.Frame) {
	chunkSize := t.config.MaxFrameDataLen - t.address.RxPrefixSize() - 1
	var chunk []byte
	if len(t.txBuffer) > chunkSize {
		chunk = t.txBuffer[:chunkSize]
		t.txBuffer = t.txBuffer[chunkSize:]
	} else {
		chunk = t.txBuffer
		t.txBuffer = nil
	}

	payload := createConsecutiveFramePayload(chunk, t.txSeqNum)
	t.txSeqNum = (t.txSeqNum + 1) % 16
	t.txBlockCounter++
	t.transmit(payload, Physical, txChan)

	if len(t.txBuffer) == 0 {
		req := t.txReq
		t.stopSending()
		req.finish(nil)
		return
	}

	if t.remoteBlockSize > 0 && t.txBlockCounter >= t.remoteBlockSize {
		t.txState = stateWaitFC
		resetTimer(t.timerRxFC, t.config.TimeoutFC)
		return
	}
	resetTimer(t.timerTxSTmin, t.remoteSTmin)
}

func (t *Transport) sendFlowControl(status FlowStatus, txChan chan<- can.Frame) {
	payload := createFlowControlPayload(status, int(t.config.BlockSize), EncodeSTmin(t.config.STmin))
	t.transmit(payload, Physical, txChan)
}

func (t *Transport) transmit(payload []byte, target TargetType, txChan chan<- can.Frame) {
	full := append(t.address.TxPayloadPrefix(), payload...)
	if t.config.Padding != nil {
		target := can.NearestFrameSize(len(full))
		if target < can.MaxClassicDataLen {
			target = can.MaxClassicDataLen
		}
		full = can.Pad(full, target, *t.config.Padding)
	}
	frame := can.Frame{
		ID:            t.address.TxArbitrationID(target),
		Data:          full,
		IsExtended:    t.address.Is29Bit(),
		IsFD:          t.config.CANFD,
		BitrateSwitch: t.config.CANFD && t.config.BitrateSwitch,
	}
	select {
	case txChan <- frame:
	default:
		t.log.Warnf("tx channel full, dropping frame id=%#x", frame.ID)
	}
}

func (t *Transport) deliver(data []byte) {
	select {
	case t.recvChan <- data:
	default:
		t.fireError(newOverflowError(false, "receive queue full, message dropped"))
	}
}

func (t *Transport) abortSending(err error) {
	req := t.txReq
	t.stopSending()
	if req != nil {
		req.finish(err)
	}
}

func (t *Transport) stopReceiving() {
	t.rxState = stateIdle
	t.rxBuffer = nil
	t.rxFrameLen = 0
	t.rxSeqNum = 0
	t.rxBlockCounter = 0
	stopTimer(t.timerRxCF)
}

func (t *Transport) stopSending() {
	t.txState = stateIdle
	t.txReq = nil
	t.txBuffer = nil
	t.txSeqNum = 0
	t.txBlockCounter = 0
	t.wftCounter = 0
	stopTimer(t.timerRxFC)
	stopTimer(t.timerTxSTmin)
}

func (t *Transport) fireError(err error) {
	select {
	case t.errChan <- err:
	default:
		t.log.Warnf("error queue full: %v", err)
	}
}

func stopTimer(tm *time.Timer) {
	if !tm.Stop() {
		select {
		case <-tm.C:
		default:
		}
	}
}

func resetTimer(tm *time.Timer, d time.Duration) {
	stopTimer(tm)
	tm.Reset(d)
}
