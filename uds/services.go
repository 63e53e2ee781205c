package uds

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/motorlink/canstack/dtc"
)

// Reset types for ECUReset.
const (
	ResetHard                 byte = 0x01
	ResetKeyOffOn             byte = 0x02
	ResetSoft                 byte = 0x03
	ResetEnableRapidShutdown  byte = 0x04
	ResetDisableRapidShutdown byte = 0x05
)

// RoutineControl sub-functions.
const (
	RoutineStart         byte = 0x01
	RoutineStop          byte = 0x02
	RoutineRequestResult byte = 0x03
)

// InputOutputControl parameters.
const (
	IOReturnControlToECU byte = 0x00
	IOResetToDefault     byte = 0x01
	IOFreezeCurrentState byte = 0x02
	IOShortTermAdjust    byte = 0x03
)

// ReadDTCInformation sub-functions.
const (
	dtcReportNumberByStatusMask byte = 0x01
	dtcReportByStatusMask       byte = 0x02
)

// ECUReset requests a reset of the given type and reports the server's
// power-down time when one is advertised (0xFF when not available).
func (c *Client) ECUReset(ctx context.Context, resetType byte) (powerDownTime byte, err error) {
	resp, err := c.Request(ctx, []byte{SIDECUReset, resetType})
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 || resp[1] != resetType {
		return 0, fmt.Errorf("uds: reset response echoed type 0x%02X, want 0x%02X", resp[1], resetType)
	}
	if resetType == ResetEnableRapidShutdown && len(resp) >= 3 {
		return resp[2], nil
	}
	return 0xFF, nil
}

// ReadDataByIdentifier reads one data identifier and returns its record.
func (c *Client) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	req := []byte{SIDReadDataByIdentifier, byte(did >> 8), byte(did)}
	resp, err := c.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 || binary.BigEndian.Uint16(resp[1:3]) != did {
		return nil, fmt.Errorf("uds: read DID response does not echo 0x%04X", did)
	}
	return append([]byte(nil), resp[3:]...), nil
}

// WriteDataByIdentifier writes one data identifier.
func (c *Client) WriteDataByIdentifier(ctx context.Context, did uint16, record []byte) error {
	req := make([]byte, 0, 3+len(record))
	req = append(req, SIDWriteDataByIdentifier, byte(did>>8), byte(did))
	req = append(req, record...)
	resp, err := c.Request(ctx, req)
	if err != nil {
		return err
	}
	if len(resp) < 3 || binary.BigEndian.Uint16(resp[1:3]) != did {
		return fmt.Errorf("uds: write DID response does not echo 0x%04X", did)
	}
	return nil
}

// memoryAddressFormat packs address and size into the addressAndLength
// format identifier plus the two fields, using the minimal byte widths.
func memoryAddressFormat(address, size uint32) []byte {
	addrLen := byteWidth(address)
	sizeLen := byteWidth(size)
	out := make([]byte, 0, 1+addrLen+sizeLen)
	out = append(out, byte(sizeLen<<4|addrLen))
	out = appendBigEndian(out, address, addrLen)
	out = appendBigEndian(out, size, sizeLen)
	return out
}

func byteWidth(v uint32) int {
	switch {
	case v > 0xFFFFFF:
		return 4
	case v > 0xFFFF:
		return 3
	case v > 0xFF:
		return 2
	default:
		return 1
	}
}

func appendBigEndian(dst []byte, v uint32, width int) []byte {
	for i := width - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

// ReadMemoryByAddress reads size bytes starting at address.
func (c *Client) ReadMemoryByAddress(ctx context.Context, address, size uint32) ([]byte, error) {
	req := append([]byte{SIDReadMemoryByAddress}, memoryAddressFormat(address, size)...)
	resp, err := c.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), resp[1:]...), nil
}

// WriteMemoryByAddress writes data starting at address.
func (c *Client) WriteMemoryByAddress(ctx context.Context, address uint32, data []byte) error {
	req := append([]byte{SIDWriteMemoryByAddress}, memoryAddressFormat(address, uint32(len(data)))...)
	req = append(req, data...)
	_, err := c.Request(ctx, req)
	return err
}

// RoutineControl starts, stops or polls a routine and returns the status
// record.
func (c *Client) RoutineControl(ctx context.Context, sub byte, routine uint16, option []byte) ([]byte, error) {
	req := make([]byte, 0, 4+len(option))
	req = append(req, SIDRoutineControl, sub, byte(routine>>8), byte(routine))
	req = append(req, option...)
	resp, err := c.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 4 || resp[1] != sub || binary.BigEndian.Uint16(resp[2:4]) != routine {
		return nil, fmt.Errorf("uds: routine response does not echo 0x%04X/%02X", routine, sub)
	}
	return append([]byte(nil), resp[4:]...), nil
}

// InputOutputControl overrides or releases an output channel identified by a
// DID and returns the resulting state record.
func (c *Client) InputOutputControl(ctx context.Context, did uint16, param byte, state []byte) ([]byte, error) {
	req := make([]byte, 0, 4+len(state))
	req = append(req, SIDInputOutputControl, byte(did>>8), byte(did), param)
	req = append(req, state...)
	resp, err := c.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 4 || binary.BigEndian.Uint16(resp[1:3]) != did {
		return nil, fmt.Errorf("uds: IO control response does not echo 0x%04X", did)
	}
	return append([]byte(nil), resp[3:]...), nil
}

// DTCRecord is one stored code with its status byte as reported by the
// server.
type DTCRecord struct {
	Code   dtc.Code
	Status byte
}

// ReadDTCCount reports how many stored codes match the status mask, along
// with the server's status availability mask.
func (c *Client) ReadDTCCount(ctx context.Context, statusMask byte) (count uint16, availMask byte, err error) {
	resp, err := c.Request(ctx, []byte{SIDReadDTCInformation, dtcReportNumberByStatusMask, statusMask})
	if err != nil {
		return 0, 0, err
	}
	if len(resp) < 6 {
		return 0, 0, fmt.Errorf("uds: short DTC count response (%d bytes)", len(resp))
	}
	return binary.BigEndian.Uint16(resp[4:6]), resp[2], nil
}

// ReadDTCs lists the stored codes matching the status mask.
func (c *Client) ReadDTCs(ctx context.Context, statusMask byte) ([]DTCRecord, byte, error) {
	resp, err := c.Request(ctx, []byte{SIDReadDTCInformation, dtcReportByStatusMask, statusMask})
	if err != nil {
		return nil, 0, err
	}
	if len(resp) < 3 {
		return nil, 0, fmt.Errorf("uds: short DTC list response (%d bytes)", len(resp))
	}
	availMask := resp[2]
	body := resp[3:]
	if len(body)%4 != 0 {
		return nil, 0, fmt.Errorf("uds: DTC list body is %d bytes, want multiple of 4", len(body))
	}
	records := make([]DTCRecord, 0, len(body)/4)
	for i := 0; i+4 <= len(body); i += 4 {
		records = append(records, DTCRecord{
			Code:   dtc.CodeFromUDS(body[i], body[i+1], body[i+2]),
			Status: body[i+3],
		})
	}
	return records, availMask, nil
}

// ClearDiagnosticInformation clears stored codes in the given group. Group
// 0xFFFFFF clears everything.
func (c *Client) ClearDiagnosticInformation(ctx context.Context, group uint32) error {
	req := []byte{SIDClearDiagnosticInfo, byte(group >> 16), byte(group >> 8), byte(group)}
	_, err := c.Request(ctx, req)
	return err
}
