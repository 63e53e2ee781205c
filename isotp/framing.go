package isotp

import (
	"encoding/binary"
	"fmt"
)

// Payload builders. Each returns the ISO-TP payload without the address
// prefix or padding; the transport prepends and pads.

func createSingleFramePayload(data []byte, maxDataLen int) ([]byte, error) {
	var pci []byte
	if len(data) <= 7 {
		pci = []byte{pciSingleFrame | byte(len(data))}
	} else {
		// CAN-FD length escape.
		pci = []byte{pciSingleFrame, byte(len(data))}
	}
	total := len(pci) + len(data)
	if total > maxDataLen {
		return nil, fmt.Errorf("single frame of %d bytes exceeds frame limit %d", total, maxDataLen)
	}
	payload := make([]byte, 0, total)
	payload = append(payload, pci...)
	return append(payload, data...), nil
}

func createFirstFramePayload(firstChunk []byte, totalSize, maxDataLen int) ([]byte, error) {
	var pci []byte
	if totalSize <= 0xFFF {
		pci = []byte{pciFirstFrame | byte(totalSize>>8&0x0F), byte(totalSize & 0xFF)}
	} else {
		pci = make([]byte, 6)
		pci[0] = pciFirstFrame
		binary.BigEndian.PutUint32(pci[2:], uint32(totalSize))
	}
	total := len(pci) + len(firstChunk)
	if total > maxDataLen {
		return nil, fmt.Errorf("first frame of %d bytes exceeds frame limit %d", total, maxDataLen)
	}
	payload := make([]byte, 0, total)
	payload = append(payload, pci...)
	return append(payload, firstChunk...), nil
}

func createConsecutiveFramePayload(chunk []byte, seq int) []byte {
	payload := make([]byte, 0, 1+len(chunk))
	payload = append(payload, pciConsecutiveFrame|byte(seq&0x0F))
	return append(payload, chunk...)
}

func createFlowControlPayload(status FlowStatus, blockSize int, stMin byte) []byte {
	return []byte{pciFlowControl | byte(status), byte(blockSize), stMin}
}

// firstFramePCISize returns the PCI overhead a FirstFrame needs for the
// given total message size.
func firstFramePCISize(totalSize int) int {
	if totalSize <= 0xFFF {
		return 2
	}
	return 6
}

// singleFramePCISize returns the PCI overhead a SingleFrame needs for the
// given payload size: one byte for up to 7 data bytes, two for the FD escape.
func singleFramePCISize(dataLen int) int {
	if dataLen <= 7 {
		return 1
	}
	return 2
}
