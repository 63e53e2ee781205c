package j1939

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pion/logging"

	"github.com/motorlink/canstack/dtc"
)

// Diagnostic message parameter group numbers.
const (
	PGNDM1  = 0x00FECA // active trouble codes, periodic broadcast
	PGNDM2  = 0x00FECB // previously active trouble codes
	PGNDM3  = 0x00FECC // clear all trouble codes
	PGNDM11 = 0x00FED4 // clear active trouble codes
	PGNDM13 = 0x00FED6 // stop/start DM1 broadcast
	PGNDM22 = 0x00FEE3 // clear one specific trouble code
)

// LampStatus is the malfunction indicator state carried in DM1.
type LampStatus uint8

const (
	LampOff LampStatus = iota
	LampOn
	LampSlowFlash
	LampFastFlash
)

// EncodeDTC packs a record into the 4-byte wire form: occurrence count in
// the top byte, the 19-bit SPN shifted over the 5-bit FMI below it.
func EncodeDTC(rec dtc.Record) [4]byte {
	combined := uint32(rec.OccurrenceCount&0x7F)<<24 |
		(rec.Code.SPN&0x7FFFF)<<5 |
		uint32(rec.Code.FMI&0x1F)
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], combined)
	return out
}

// DecodeDTC unpacks the 4-byte wire form.
func DecodeDTC(data []byte) (dtc.Code, uint8, bool) {
	if len(data) < 4 {
		return dtc.Code{}, 0, false
	}
	combined := binary.BigEndian.Uint32(data[:4])
	code := dtc.Code{
		SPN: combined >> 5 & 0x7FFFF,
		FMI: uint8(combined & 0x1F),
	}
	return code, uint8(combined >> 24 & 0x7F), true
}

// DiagnosticsConfig tunes the DM service endpoint.
type DiagnosticsConfig struct {
	// BroadcastInterval between DM1 transmissions.
	BroadcastInterval time.Duration

	// Lamp maps the registry state to the DM1 malfunction indicator.
	// Defaults to lamp-on whenever any active code exists.
	Lamp func(active []dtc.Record) LampStatus

	LoggerFactory logging.LoggerFactory
}

// DefaultDiagnosticsConfig broadcasts DM1 once a second.
func DefaultDiagnosticsConfig() DiagnosticsConfig {
	return DiagnosticsConfig{
		BroadcastInterval: time.Second,
		LoggerFactory:     logging.NewDefaultLoggerFactory(),
	}
}

// Diagnostics serves the DM message set on one node: the periodic DM1
// broadcast plus the request and clear messages, all against the shared
// trouble code registry.
type Diagnostics struct {
	tp       *Transport
	registry *dtc.Registry
	cfg      DiagnosticsConfig
	log      logging.LeveledLogger

	broadcast bool
}

// NewDiagnostics binds the DM services to a transport and a registry.
func NewDiagnostics(tp *Transport, registry *dtc.Registry, cfg DiagnosticsConfig) *Diagnostics {
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = time.Second
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Diagnostics{
		tp:        tp,
		registry:  registry,
		cfg:       cfg,
		log:       cfg.LoggerFactory.NewLogger("j1939-dm"),
		broadcast: true,
	}
}

// Run consumes network messages and drives the DM1 broadcast until ctx is
// cancelled. msgs is usually the transport's Messages channel.
func (d *Diagnostics) Run(ctx context.Context, msgs <-chan Message) {
	ticker := time.NewTicker(d.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgs:
			d.HandleMessage(ctx, msg)
		case <-ticker.C:
			d.BroadcastDM1(ctx)
		}
	}
}

// HandleMessage processes one inbound network message, reacting to the DM
// request and clear groups and ignoring everything else.
func (d *Diagnostics) HandleMessage(ctx context.Context, msg Message) {
	switch msg.PGN {
	case PGNRequest:
		if len(msg.Data) < 3 {
			return
		}
		requested := uint32(msg.Data[0]) | uint32(msg.Data[1])<<8 | uint32(msg.Data[2])<<16
		d.handleRequest(ctx, requested)

	case PGNDM3:
		n := d.registry.ClearAll()
		d.log.Infof("DM3: cleared %d codes", n)

	case PGNDM11:
		n := 0
		for _, rec := range d.registry.Active() {
			if d.registry.ClearSingle(rec.Code) {
				n++
			}
		}
		d.log.Infof("DM11: cleared %d active codes", n)

	case PGNDM13:
		if len(msg.Data) >= 1 {
			d.broadcast = msg.Data[0] != 0
			d.log.Infof("DM13: broadcast enabled=%v", d.broadcast)
		}

	case PGNDM22:
		if code, _, ok := DecodeDTC(msg.Data); ok {
			if d.registry.ClearSingle(code) {
				d.log.Infof("DM22: cleared %s", code)
			}
		}
	}
}

func (d *Diagnostics) handleRequest(ctx context.Context, pgn uint32) {
	switch pgn {
	case PGNDM1:
		d.BroadcastDM1(ctx)
	case PGNDM2:
		records := d.registry.PreviouslyActive()
		payload := d.encodeDM(records)
		if _, err := d.tp.Broadcast(ctx, PGNDM2, payload); err != nil {
			d.log.Warnf("DM2 response: %v", err)
		}
	}
}

// BroadcastDM1 sends the active set now, if broadcasting is enabled and any
// active code exists. Payloads beyond one frame ride the BAM transport.
func (d *Diagnostics) BroadcastDM1(ctx context.Context) {
	if !d.broadcast {
		return
	}
	active := d.registry.Active()
	if len(active) == 0 {
		return
	}
	payload := d.encodeDM(active)
	if _, err := d.tp.Broadcast(ctx, PGNDM1, payload); err != nil {
		d.log.Warnf("DM1 broadcast: %v", err)
	}
}

// encodeDM builds the DM1/DM2 payload: two lamp bytes then one 4-byte record
// per code.
func (d *Diagnostics) encodeDM(records []dtc.Record) []byte {
	lamp := LampOff
	if d.cfg.Lamp != nil {
		lamp = d.cfg.Lamp(records)
	} else if len(records) > 0 {
		lamp = LampOn
	}
	payload := make([]byte, 2, 2+4*len(records))
	payload[0] = byte(lamp)
	for _, rec := range records {
		b := EncodeDTC(rec)
		payload = append(payload, b[:]...)
	}
	return payload
}

// DecodeDM parses a DM1/DM2 payload into its records.
func DecodeDM(data []byte) (LampStatus, []dtc.Record, bool) {
	if len(data) < 2 {
		return LampOff, nil, false
	}
	lamp := LampStatus(data[0])
	body := data[2:]
	if len(body)%4 != 0 {
		return lamp, nil, false
	}
	records := make([]dtc.Record, 0, len(body)/4)
	for i := 0; i+4 <= len(body); i += 4 {
		code, occ, _ := DecodeDTC(body[i : i+4])
		records = append(records, dtc.Record{Code: code, OccurrenceCount: occ})
	}
	return lamp, records, true
}
