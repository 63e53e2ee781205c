// Package obd speaks OBD-II over a segmented transport: live data (mode 0x01),
// freeze frames, emissions trouble codes and vehicle info requests.
package obd

import (
	"fmt"
	"strconv"
)

// Service modes.
const (
	ModeCurrentData   byte = 0x01
	ModeFreezeFrame   byte = 0x02
	ModeStoredDTC     byte = 0x03
	ModeClearDTC      byte = 0x04
	ModeO2TestResults byte = 0x05
	ModeTestResults   byte = 0x06
	ModePendingDTC    byte = 0x07
	ModeControlOps    byte = 0x08
	ModeVehicleInfo   byte = 0x09
	ModePermanentDTC  byte = 0x0A
)

// Mode 0x01 PIDs.
const (
	PIDSupported0120        byte = 0x00
	PIDEngineLoad           byte = 0x04
	PIDCoolantTemp          byte = 0x05
	PIDFuelPressure         byte = 0x0A
	PIDIntakeMAP            byte = 0x0B
	PIDEngineRPM            byte = 0x0C
	PIDVehicleSpeed         byte = 0x0D
	PIDTimingAdvance        byte = 0x0E
	PIDIntakeAirTemp        byte = 0x0F
	PIDMAFRate              byte = 0x10
	PIDThrottlePosition     byte = 0x11
	PIDO2Voltage            byte = 0x14
	PIDOBDStandards         byte = 0x1C
	PIDEGR                  byte = 0x2C
	PIDWarmupsSinceClear    byte = 0x30
	PIDDistanceSinceClear   byte = 0x31
	PIDBaroPressure         byte = 0x33
	PIDCatTempB1S1          byte = 0x3C
	PIDCatTempB2S1          byte = 0x3E
	PIDControlModuleVoltage byte = 0x42
	PIDAbsoluteLoad         byte = 0x43
	PIDCommandedEquivRatio  byte = 0x44
	PIDAmbientTemp          byte = 0x46
)

// Mode 0x09 info types.
const (
	InfoVINCount byte = 0x01
	InfoVIN      byte = 0x02
	InfoCalID    byte = 0x04
	InfoECUName  byte = 0x0A
)

// Value is one decoded sensor reading.
type Value struct {
	PID      byte
	Name     string
	Quantity float64
	Unit     string
	// Raw holds the wire bytes for PIDs without a conversion entry.
	Raw []byte
}

func (v Value) String() string {
	if v.Raw != nil {
		return fmt.Sprintf("PID 0x%02X: % X", v.PID, v.Raw)
	}
	q := strconv.FormatFloat(v.Quantity, 'f', -1, 64)
	if v.Unit == "" {
		return fmt.Sprintf("%s: %s", v.Name, q)
	}
	return fmt.Sprintf("%s: %s %s", v.Name, q, v.Unit)
}

type pidSpec struct {
	name    string
	unit    string
	dataLen int
	convert func(data []byte) float64
}

func a(data []byte) float64  { return float64(data[0]) }
func ab(data []byte) float64 { return float64(data[0])*256 + float64(data[1]) }

var pidTable = map[byte]pidSpec{
	PIDEngineLoad:       {"engine load", "%", 1, func(d []byte) float64 { return a(d) * 100 / 255 }},
	PIDCoolantTemp:      {"coolant temp", "°C", 1, func(d []byte) float64 { return a(d) - 40 }},
	PIDFuelPressure:     {"fuel pressure", "kPa", 1, func(d []byte) float64 { return a(d) * 3 }},
	PIDIntakeMAP:        {"intake MAP", "kPa", 1, a},
	PIDEngineRPM:        {"engine speed", "rpm", 2, func(d []byte) float64 { return ab(d) / 4 }},
	PIDVehicleSpeed:     {"vehicle speed", "km/h", 1, a},
	PIDTimingAdvance:    {"timing advance", "°", 1, func(d []byte) float64 { return a(d)/2 - 64 }},
	PIDIntakeAirTemp:    {"intake air temp", "°C", 1, func(d []byte) float64 { return a(d) - 40 }},
	PIDMAFRate:          {"MAF rate", "g/s", 2, func(d []byte) float64 { return ab(d) / 100 }},
	PIDThrottlePosition: {"throttle position", "%", 1, func(d []byte) float64 { return a(d) * 100 / 255 }},
	PIDO2Voltage:        {"O2 voltage", "V", 2, func(d []byte) float64 { return a(d) * 0.005 }},
	PIDEGR:              {"commanded EGR", "%", 1, func(d []byte) float64 { return a(d) * 100 / 255 }},
	PIDBaroPressure:     {"barometric pressure", "kPa", 1, a},
	PIDCatTempB1S1:      {"catalyst temp B1S1", "°C", 2, func(d []byte) float64 { return ab(d)/10 - 40 }},
	PIDCatTempB2S1:      {"catalyst temp B2S1", "°C", 2, func(d []byte) float64 { return ab(d)/10 - 40 }},
	PIDControlModuleVoltage: {"control module voltage", "V", 2,
		func(d []byte) float64 { return ab(d) / 1000 }},
	PIDAbsoluteLoad: {"absolute load", "%", 2, func(d []byte) float64 { return ab(d) * 100 / 255 }},
	PIDCommandedEquivRatio: {"commanded equivalence ratio", "", 2,
		func(d []byte) float64 { return ab(d) / 32768 }},
	PIDAmbientTemp: {"ambient temp", "°C", 1, func(d []byte) float64 { return a(d) - 40 }},
}

// DecodeValue converts raw mode 0x01 data into a physical value. PIDs without
// a conversion entry come back with Raw set and no quantity.
func DecodeValue(pid byte, data []byte) (Value, error) {
	if len(data) == 0 {
		return Value{}, fmt.Errorf("obd: no data for PID 0x%02X", pid)
	}
	spec, ok := pidTable[pid]
	if !ok {
		return Value{PID: pid, Raw: append([]byte(nil), data...)}, nil
	}
	if len(data) < spec.dataLen {
		return Value{}, fmt.Errorf("obd: PID 0x%02X needs %d bytes, got %d", pid, spec.dataLen, len(data))
	}
	return Value{
		PID:      pid,
		Name:     spec.name,
		Quantity: spec.convert(data),
		Unit:     spec.unit,
	}, nil
}

// SupportedPIDs expands a 4-byte support bitmask starting after the base PID.
func SupportedPIDs(base byte, mask []byte) []byte {
	var out []byte
	for i, b := range mask {
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>bit) != 0 {
				out = append(out, base+byte(i*8+bit)+1)
			}
		}
	}
	return out
}
