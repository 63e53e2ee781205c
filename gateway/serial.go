package gateway

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/tarm/serial"

	"github.com/motorlink/canstack/can"
)

// SerialConfig describes an SLCAN adapter attachment.
type SerialConfig struct {
	// Device is the serial device path, e.g. /dev/ttyACM0.
	Device string

	// Baud is the serial line rate, not the CAN bitrate.
	Baud int

	// ReadTimeout bounds single reads so the read loop can notice Close.
	ReadTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

// DefaultSerialConfig returns settings for the common USB adapters.
func DefaultSerialConfig(device string) SerialConfig {
	return SerialConfig{
		Device:        device,
		Baud:          115200,
		ReadTimeout:   100 * time.Millisecond,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
}

// SerialBus attaches to a CAN network through an SLCAN serial adapter.
type SerialBus struct {
	port   io.ReadWriteCloser
	log    logging.LeveledLogger
	rx     chan can.Frame
	closed chan struct{}

	writeMu sync.Mutex
	once    sync.Once
}

// OpenSerialBus opens the device and starts the read loop.
func OpenSerialBus(cfg SerialConfig) (*SerialBus, error) {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: open %s: %w", cfg.Device, err)
	}
	b := newSerialBus(port, cfg.LoggerFactory)
	b.log.Infof("attached to %s at %d baud", cfg.Device, cfg.Baud)
	return b, nil
}

// newSerialBus is split out so tests can attach to a pipe instead of a port.
func newSerialBus(port io.ReadWriteCloser, lf logging.LoggerFactory) *SerialBus {
	b := &SerialBus{
		port:   port,
		log:    lf.NewLogger("serialbus"),
		rx:     make(chan can.Frame, 256),
		closed: make(chan struct{}),
	}
	go b.readLoop()
	return b
}

func (b *SerialBus) Send(frame can.Frame) error {
	select {
	case <-b.closed:
		return ErrBusClosed
	default:
	}
	line, err := encodeSLCAN(frame)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := io.WriteString(b.port, line); err != nil {
		return fmt.Errorf("gateway: write frame: %w", err)
	}
	return nil
}

func (b *SerialBus) Frames() <-chan can.Frame { return b.rx }

func (b *SerialBus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.closed)
		err = b.port.Close()
	})
	return err
}

func (b *SerialBus) readLoop() {
	defer close(b.rx)
	scanner := bufio.NewScanner(b.port)
	scanner.Split(scanCR)
	for scanner.Scan() {
		select {
		case <-b.closed:
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		frame, err := decodeSLCAN(line)
		if err != nil {
			b.log.Warnf("dropping line %q: %v", line, err)
			continue
		}
		select {
		case b.rx <- frame:
		default:
			b.log.Warnf("receive queue full, dropping frame 0x%X", frame.ID)
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-b.closed:
		default:
			b.log.Errorf("read loop: %v", err)
		}
	}
}

// scanCR splits on the carriage returns SLCAN uses as line ends.
func scanCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, c := range data {
		if c == '\r' || c == '\n' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// encodeSLCAN renders a frame in the adapter's ASCII form: 't'/'T' for data
// frames, 'r'/'R' for remote, 3 or 8 hex ID digits, length digit, data hex.
func encodeSLCAN(frame can.Frame) (string, error) {
	if len(frame.Data) > can.MaxClassicDataLen {
		return "", fmt.Errorf("gateway: %d data bytes will not fit a serial adapter frame", len(frame.Data))
	}
	var sb strings.Builder
	switch {
	case frame.IsRemote && frame.IsExtended:
		fmt.Fprintf(&sb, "R%08X", frame.ID)
	case frame.IsRemote:
		fmt.Fprintf(&sb, "r%03X", frame.ID)
	case frame.IsExtended:
		fmt.Fprintf(&sb, "T%08X", frame.ID)
	default:
		fmt.Fprintf(&sb, "t%03X", frame.ID)
	}
	fmt.Fprintf(&sb, "%d", len(frame.Data))
	for _, b := range frame.Data {
		fmt.Fprintf(&sb, "%02X", b)
	}
	sb.WriteByte('\r')
	return sb.String(), nil
}

func decodeSLCAN(line string) (can.Frame, error) {
	var (
		frame    can.Frame
		idDigits int
	)
	switch line[0] {
	case 't':
		idDigits = 3
	case 'T':
		idDigits = 8
		frame.IsExtended = true
	case 'r':
		idDigits = 3
		frame.IsRemote = true
	case 'R':
		idDigits = 8
		frame.IsExtended = true
		frame.IsRemote = true
	default:
		return can.Frame{}, fmt.Errorf("unknown frame marker %q", line[0])
	}
	if len(line) < 1+idDigits+1 {
		return can.Frame{}, fmt.Errorf("truncated header")
	}
	id, err := strconv.ParseUint(line[1:1+idDigits], 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("bad ID: %w", err)
	}
	frame.ID = uint32(id)

	length := int(line[1+idDigits] - '0')
	if length < 0 || length > can.MaxClassicDataLen {
		return can.Frame{}, fmt.Errorf("bad length digit %q", line[1+idDigits])
	}
	hexData := line[1+idDigits+1:]
	if frame.IsRemote {
		return frame, nil
	}
	if len(hexData) < 2*length {
		return can.Frame{}, fmt.Errorf("%d data chars for length %d", len(hexData), length)
	}
	frame.Data = make([]byte, length)
	for i := 0; i < length; i++ {
		b, err := strconv.ParseUint(hexData[2*i:2*i+2], 16, 8)
		if err != nil {
			return can.Frame{}, fmt.Errorf("bad data hex: %w", err)
		}
		frame.Data[i] = byte(b)
	}
	return frame, nil
}
