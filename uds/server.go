package uds

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/motorlink/canstack/dtc"
)

// DIDHandler backs one data identifier on the server side. Write may be nil
// for read-only identifiers.
type DIDHandler struct {
	Read  func() ([]byte, error)
	Write func(record []byte) error
}

// RoutineHandler backs one routine identifier. Any nil entry answers
// SubFunctionNotSupported.
type RoutineHandler struct {
	Start  func(option []byte) ([]byte, error)
	Stop   func() ([]byte, error)
	Result func() ([]byte, error)
}

// ServerConfig tunes the responder.
type ServerConfig struct {
	// S3Timeout reverts a non-default session after this much inactivity.
	S3Timeout time.Duration

	// SeedLength sizes generated security seeds.
	SeedLength int

	// MaxKeyAttempts bounds failed key submissions before the server
	// answers ExceededNumberOfAttempts.
	MaxKeyAttempts int

	// VerifyKey checks a submitted key against the seed it answers. Nil
	// rejects all security access.
	VerifyKey func(level byte, seed, key []byte) bool

	// Registry backs the DTC services. Nil answers them negatively.
	Registry *dtc.Registry

	LoggerFactory logging.LoggerFactory
}

// DefaultServerConfig returns common responder settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		S3Timeout:      5 * time.Second,
		SeedLength:     4,
		MaxKeyAttempts: 3,
		LoggerFactory:  logging.NewDefaultLoggerFactory(),
	}
}

// Server answers diagnostic requests the way an ECU would. It owns the
// server-side session and security state and serves DIDs, routines and the
// DTC registry.
type Server struct {
	cfg ServerConfig
	log logging.LeveledLogger

	mu           sync.Mutex
	session      SessionLevel
	unlocked     map[byte]bool
	pendingSeed  map[byte][]byte
	keyAttempts  int
	lastActivity time.Time

	dids     map[uint16]DIDHandler
	routines map[uint16]RoutineHandler
	memory   map[uint32]byte
	download *downloadState
}

type downloadState struct {
	address uint32
	size    uint32
	written int
	nextSeq byte
}

// NewServer builds a responder in the Default session.
func NewServer(cfg ServerConfig) *Server {
	if cfg.S3Timeout <= 0 {
		cfg.S3Timeout = 5 * time.Second
	}
	if cfg.SeedLength <= 0 {
		cfg.SeedLength = 4
	}
	if cfg.MaxKeyAttempts <= 0 {
		cfg.MaxKeyAttempts = 3
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Server{
		cfg:         cfg,
		log:         cfg.LoggerFactory.NewLogger("uds-server"),
		session:     SessionDefault,
		unlocked:    make(map[byte]bool),
		pendingSeed: make(map[byte][]byte),
		dids:        make(map[uint16]DIDHandler),
		routines:    make(map[uint16]RoutineHandler),
		memory:      make(map[uint32]byte),
	}
}

// RegisterDID installs a handler for one data identifier.
func (s *Server) RegisterDID(did uint16, h DIDHandler) {
	s.mu.Lock()
	s.dids[did] = h
	s.mu.Unlock()
}

// RegisterRoutine installs a handler for one routine identifier.
func (s *Server) RegisterRoutine(routine uint16, h RoutineHandler) {
	s.mu.Lock()
	s.routines[routine] = h
	s.mu.Unlock()
}

// LoadMemory seeds the byte-addressed memory served by the memory services.
func (s *Server) LoadMemory(address uint32, data []byte) {
	s.mu.Lock()
	for i, b := range data {
		s.memory[address+uint32(i)] = b
	}
	s.mu.Unlock()
}

// Session returns the current session level, accounting for S3 expiry.
func (s *Server) Session() SessionLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return s.session
}

// Unlocked reports whether the given security level pair is open.
func (s *Server) Unlocked(level byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return s.unlocked[level|0x01]
}

func (s *Server) expireLocked() {
	if s.session == SessionDefault || s.lastActivity.IsZero() {
		return
	}
	if time.Since(s.lastActivity) > s.cfg.S3Timeout {
		s.log.Debugf("S3 window lapsed, dropping to default session")
		s.session = SessionDefault
		s.unlocked = make(map[byte]bool)
		s.pendingSeed = make(map[byte][]byte)
	}
}

// Run serves requests from the transport until the context ends.
func (s *Server) Run(ctx context.Context, transport Transport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-transport.Messages():
			if resp := s.Handle(req); resp != nil {
				if err := transport.Send(ctx, resp); err != nil {
					return err
				}
			}
		}
	}
}

// Handle processes one request payload and returns the response payload, or
// nil when the positive response is suppressed.
func (s *Server) Handle(req []byte) []byte {
	if len(req) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	s.lastActivity = time.Now()

	sid := req[0]
	suppress := false
	switch sid {
	case SIDDiagnosticSessionControl, SIDECUReset, SIDTesterPresent:
		if len(req) >= 2 && req[1]&SuppressPositiveResponse != 0 {
			suppress = true
			req = append([]byte{sid, req[1] &^ SuppressPositiveResponse}, req[2:]...)
		}
	}

	resp := s.dispatch(sid, req)
	if suppress && resp != nil && resp[0] == sid+positiveResponseOffset {
		return nil
	}
	return resp
}

func (s *Server) dispatch(sid byte, req []byte) []byte {
	switch sid {
	case SIDDiagnosticSessionControl:
		return s.handleSessionControl(req)
	case SIDECUReset:
		return s.handleECUReset(req)
	case SIDTesterPresent:
		return []byte{sid + positiveResponseOffset, 0x00}
	case SIDSecurityAccess:
		return s.handleSecurityAccess(req)
	case SIDReadDataByIdentifier:
		return s.handleReadDID(req)
	case SIDWriteDataByIdentifier:
		return s.handleWriteDID(req)
	case SIDRoutineControl:
		return s.handleRoutineControl(req)
	case SIDReadMemoryByAddress:
		return s.handleReadMemory(req)
	case SIDWriteMemoryByAddress:
		return s.handleWriteMemory(req)
	case SIDRequestDownload:
		return s.handleRequestDownload(req)
	case SIDTransferData:
		return s.handleTransferData(req)
	case SIDRequestTransferExit:
		return s.handleTransferExit(req)
	case SIDReadDTCInformation:
		return s.handleReadDTC(req)
	case SIDClearDiagnosticInfo:
		return s.handleClearDTC(req)
	default:
		return negative(sid, NRCServiceNotSupported)
	}
}

func negative(sid, nrc byte) []byte {
	return []byte{negativeResponseSID, sid, nrc}
}

func (s *Server) handleSessionControl(req []byte) []byte {
	if len(req) < 2 {
		return negative(req[0], NRCIncorrectMessageLength)
	}
	level := SessionLevel(req[1])
	switch level {
	case SessionDefault, SessionProgramming, SessionExtended, SessionSafetySystem:
	default:
		return negative(req[0], NRCSubFunctionNotSupported)
	}
	s.session = level
	if level == SessionDefault {
		s.unlocked = make(map[byte]bool)
		s.pendingSeed = make(map[byte][]byte)
	}
	resp := []byte{req[0] + positiveResponseOffset, byte(level), 0, 0, 0, 0}
	binary.BigEndian.PutUint16(resp[2:4], 50)  // P2 in ms
	binary.BigEndian.PutUint16(resp[4:6], 500) // P2* in 10 ms units
	return resp
}

func (s *Server) handleECUReset(req []byte) []byte {
	if len(req) < 2 {
		return negative(req[0], NRCIncorrectMessageLength)
	}
	if req[1] == 0 || req[1] > ResetDisableRapidShutdown {
		return negative(req[0], NRCSubFunctionNotSupported)
	}
	s.session = SessionDefault
	s.unlocked = make(map[byte]bool)
	return []byte{req[0] + positiveResponseOffset, req[1]}
}

func (s *Server) handleSecurityAccess(req []byte) []byte {
	if len(req) < 2 {
		return negative(req[0], NRCIncorrectMessageLength)
	}
	level := req[1]
	if level%2 == 1 { // seed request
		if s.keyAttempts >= s.cfg.MaxKeyAttempts {
			return negative(req[0], NRCExceedNumberOfAttempts)
		}
		if s.unlocked[level] {
			zero := make([]byte, s.cfg.SeedLength)
			return append([]byte{req[0] + positiveResponseOffset, level}, zero...)
		}
		seed := make([]byte, s.cfg.SeedLength)
		if _, err := rand.Read(seed); err != nil {
			return negative(req[0], NRCGeneralReject)
		}
		s.pendingSeed[level] = seed
		return append([]byte{req[0] + positiveResponseOffset, level}, seed...)
	}

	// key submission for the preceding odd level
	seedLevel := level - 1
	seed, ok := s.pendingSeed[seedLevel]
	if !ok {
		return negative(req[0], NRCRequestSequenceError)
	}
	if s.keyAttempts >= s.cfg.MaxKeyAttempts {
		return negative(req[0], NRCExceedNumberOfAttempts)
	}
	if s.cfg.VerifyKey == nil || !s.cfg.VerifyKey(seedLevel, seed, req[2:]) {
		s.keyAttempts++
		if s.keyAttempts >= s.cfg.MaxKeyAttempts {
			return negative(req[0], NRCExceedNumberOfAttempts)
		}
		return negative(req[0], NRCInvalidKey)
	}
	delete(s.pendingSeed, seedLevel)
	s.unlocked[seedLevel] = true
	s.keyAttempts = 0
	return []byte{req[0] + positiveResponseOffset, level}
}

func (s *Server) handleReadDID(req []byte) []byte {
	if len(req) < 3 {
		return negative(req[0], NRCIncorrectMessageLength)
	}
	did := binary.BigEndian.Uint16(req[1:3])
	h, ok := s.dids[did]
	if !ok || h.Read == nil {
		return negative(req[0], NRCRequestOutOfRange)
	}
	record, err := h.Read()
	if err != nil {
		return negative(req[0], NRCConditionsNotCorrect)
	}
	return append([]byte{req[0] + positiveResponseOffset, req[1], req[2]}, record...)
}

func (s *Server) handleWriteDID(req []byte) []byte {
	if len(req) < 4 {
		return negative(req[0], NRCIncorrectMessageLength)
	}
	did := binary.BigEndian.Uint16(req[1:3])
	h, ok := s.dids[did]
	if !ok {
		return negative(req[0], NRCRequestOutOfRange)
	}
	if h.Write == nil {
		return negative(req[0], NRCSecurityAccessDenied)
	}
	if err := h.Write(req[3:]); err != nil {
		return negative(req[0], NRCConditionsNotCorrect)
	}
	return []byte{req[0] + positiveResponseOffset, req[1], req[2]}
}

func (s *Server) handleRoutineControl(req []byte) []byte {
	if len(req) < 4 {
		return negative(req[0], NRCIncorrectMessageLength)
	}
	routine := binary.BigEndian.Uint16(req[2:4])
	h, ok := s.routines[routine]
	if !ok {
		return negative(req[0], NRCRequestOutOfRange)
	}
	var (
		record []byte
		err    error
	)
	switch req[1] {
	case RoutineStart:
		if h.Start == nil {
			return negative(req[0], NRCSubFunctionNotSupported)
		}
		record, err = h.Start(req[4:])
	case RoutineStop:
		if h.Stop == nil {
			return negative(req[0], NRCSubFunctionNotSupported)
		}
		record, err = h.Stop()
	case RoutineRequestResult:
		if h.Result == nil {
			return negative(req[0], NRCSubFunctionNotSupported)
		}
		record, err = h.Result()
	default:
		return negative(req[0], NRCSubFunctionNotSupported)
	}
	if err != nil {
		return negative(req[0], NRCConditionsNotCorrect)
	}
	return append([]byte{req[0] + positiveResponseOffset, req[1], req[2], req[3]}, record...)
}

func parseMemoryFields(req []byte) (address, size uint32, ok bool) {
	if len(req) < 2 {
		return 0, 0, false
	}
	addrLen := int(req[1] & 0x0F)
	sizeLen := int(req[1] >> 4)
	if addrLen == 0 || sizeLen == 0 || len(req) < 2+addrLen+sizeLen {
		return 0, 0, false
	}
	for _, b := range req[2 : 2+addrLen] {
		address = address<<8 | uint32(b)
	}
	for _, b := range req[2+addrLen : 2+addrLen+sizeLen] {
		size = size<<8 | uint32(b)
	}
	return address, size, true
}

func (s *Server) handleReadMemory(req []byte) []byte {
	address, size, ok := parseMemoryFields(req)
	if !ok {
		return negative(req[0], NRCIncorrectMessageLength)
	}
	out := make([]byte, 0, 1+size)
	out = append(out, req[0]+positiveResponseOffset)
	for i := uint32(0); i < size; i++ {
		b, present := s.memory[address+i]
		if !present {
			return negative(req[0], NRCRequestOutOfRange)
		}
		out = append(out, b)
	}
	return out
}

func (s *Server) handleWriteMemory(req []byte) []byte {
	address, size, ok := parseMemoryFields(req)
	if !ok {
		return negative(req[0], NRCIncorrectMessageLength)
	}
	addrLen := int(req[1] & 0x0F)
	sizeLen := int(req[1] >> 4)
	data := req[2+addrLen+sizeLen:]
	if uint32(len(data)) != size {
		return negative(req[0], NRCIncorrectMessageLength)
	}
	for i, b := range data {
		s.memory[address+uint32(i)] = b
	}
	return append([]byte{req[0] + positiveResponseOffset}, req[1:2+addrLen+sizeLen]...)
}

// serverMaxBlock is the block length advertised in download responses,
// including the two service header bytes.
const serverMaxBlock = 0x0102

func (s *Server) handleRequestDownload(req []byte) []byte {
	if len(req) < 3 {
		return negative(req[0], NRCIncorrectMessageLength)
	}
	address, size, ok := parseMemoryFields(req[1:])
	if !ok {
		return negative(req[0], NRCIncorrectMessageLength)
	}
	if s.download != nil {
		return negative(req[0], NRCConditionsNotCorrect)
	}
	s.download = &downloadState{address: address, size: size, nextSeq: 1}
	return []byte{req[0] + positiveResponseOffset, 0x20, serverMaxBlock >> 8, serverMaxBlock & 0xFF}
}

func (s *Server) handleTransferData(req []byte) []byte {
	if s.download == nil {
		return negative(req[0], NRCRequestSequenceError)
	}
	if len(req) < 2 {
		return negative(req[0], NRCIncorrectMessageLength)
	}
	if req[1] != s.download.nextSeq {
		return negative(req[0], NRCWrongBlockSequenceCounter)
	}
	if uint32(s.download.written)+uint32(len(req[2:])) > s.download.size {
		return negative(req[0], NRCTransferDataSuspended)
	}
	for i, b := range req[2:] {
		s.memory[s.download.address+uint32(s.download.written+i)] = b
	}
	s.download.written += len(req[2:])
	s.download.nextSeq++
	return []byte{req[0] + positiveResponseOffset, req[1]}
}

func (s *Server) handleTransferExit(req []byte) []byte {
	d := s.download
	if d == nil {
		return negative(req[0], NRCRequestSequenceError)
	}
	s.download = nil
	if uint32(d.written) != d.size {
		return negative(req[0], NRCRequestSequenceError)
	}
	return []byte{req[0] + positiveResponseOffset}
}

func (s *Server) handleReadDTC(req []byte) []byte {
	if s.cfg.Registry == nil {
		return negative(req[0], NRCConditionsNotCorrect)
	}
	if len(req) < 3 {
		return negative(req[0], NRCIncorrectMessageLength)
	}
	mask := req[2]
	records := s.cfg.Registry.ByMask(mask)
	switch req[1] {
	case dtcReportNumberByStatusMask:
		resp := []byte{req[0] + positiveResponseOffset, req[1], 0xFF, 0x01, 0, 0}
		binary.BigEndian.PutUint16(resp[4:6], uint16(len(records)))
		return resp
	case dtcReportByStatusMask:
		resp := make([]byte, 0, 3+4*len(records))
		resp = append(resp, req[0]+positiveResponseOffset, req[1], 0xFF)
		for _, rec := range records {
			hi, mid, lo := rec.Code.UDS()
			resp = append(resp, hi, mid, lo, rec.Status.Byte())
		}
		return resp
	default:
		return negative(req[0], NRCSubFunctionNotSupported)
	}
}

func (s *Server) handleClearDTC(req []byte) []byte {
	if s.cfg.Registry == nil {
		return negative(req[0], NRCConditionsNotCorrect)
	}
	if len(req) < 4 {
		return negative(req[0], NRCIncorrectMessageLength)
	}
	group := uint32(req[1])<<16 | uint32(req[2])<<8 | uint32(req[3])
	if group == 0xFFFFFF {
		s.cfg.Registry.ClearAll()
	} else {
		s.cfg.Registry.ClearGroup(group, 0xFF0000)
	}
	return []byte{req[0] + positiveResponseOffset}
}
