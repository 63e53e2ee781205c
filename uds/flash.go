package uds

import (
	"context"
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"
	"github.com/pion/logging"
)

// RequestDownload announces a download of size bytes to address and returns
// the maximum block length the server accepts per TransferData request,
// including the two-byte service header.
func (c *Client) RequestDownload(ctx context.Context, address, size uint32) (maxBlock int, err error) {
	req := make([]byte, 0, 12)
	req = append(req, SIDRequestDownload, 0x00) // data format: raw, no compression
	req = append(req, memoryAddressFormat(address, size)...)
	resp, err := c.Request(ctx, req)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("uds: short download response (%d bytes)", len(resp))
	}
	lenBytes := int(resp[1] >> 4)
	if lenBytes == 0 || len(resp) < 2+lenBytes {
		return 0, fmt.Errorf("uds: malformed maxNumberOfBlockLength in download response")
	}
	max := 0
	for _, b := range resp[2 : 2+lenBytes] {
		max = max<<8 | int(b)
	}
	if max <= 2 {
		return 0, fmt.Errorf("uds: server block length %d leaves no room for data", max)
	}
	return max, nil
}

// TransferData pushes one block under the given sequence counter. The counter
// starts at 1 and wraps 0xFF to 0x00.
func (c *Client) TransferData(ctx context.Context, seq byte, block []byte) error {
	req := make([]byte, 0, 2+len(block))
	req = append(req, SIDTransferData, seq)
	req = append(req, block...)
	resp, err := c.Request(ctx, req)
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != seq {
		return fmt.Errorf("uds: transfer response echoed counter 0x%02X, want 0x%02X", resp[1], seq)
	}
	return nil
}

// RequestTransferExit closes the download and returns any transfer response
// parameter record (often a checksum).
func (c *Client) RequestTransferExit(ctx context.Context) ([]byte, error) {
	resp, err := c.Request(ctx, []byte{SIDRequestTransferExit})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), resp[1:]...), nil
}

// Downloader drives block-wise memory downloads over an unlocked client.
type Downloader struct {
	client *Client
	log    logging.LeveledLogger

	// Progress, when set, is called after every acknowledged block.
	Progress func(written, total int)
}

// NewDownloader wraps a client for download sequences.
func NewDownloader(client *Client) *Downloader {
	return &Downloader{
		client: client,
		log:    client.cfg.LoggerFactory.NewLogger("uds-flash"),
	}
}

// Download writes data to the given address: RequestDownload, then
// TransferData blocks sized to the server's limit, then RequestTransferExit.
func (d *Downloader) Download(ctx context.Context, address uint32, data []byte) error {
	maxBlock, err := d.client.RequestDownload(ctx, address, uint32(len(data)))
	if err != nil {
		return err
	}
	chunk := maxBlock - 2 // SID and sequence counter share the block budget

	seq := byte(1)
	for written := 0; written < len(data); {
		end := written + chunk
		if end > len(data) {
			end = len(data)
		}
		if err := d.client.TransferData(ctx, seq, data[written:end]); err != nil {
			return fmt.Errorf("uds: block %d at offset %d: %w", seq, written, err)
		}
		written = end
		seq++ // wraps 0xFF -> 0x00 by byte arithmetic
		if d.Progress != nil {
			d.Progress(written, len(data))
		}
	}

	if _, err := d.client.RequestTransferExit(ctx); err != nil {
		return err
	}
	d.log.Infof("downloaded %d bytes to 0x%08X", len(data), address)
	return nil
}

// FlashIntelHex parses an Intel HEX image and downloads every data segment to
// its own address.
func (d *Downloader) FlashIntelHex(ctx context.Context, r io.Reader) error {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return fmt.Errorf("uds: parse hex image: %w", err)
	}
	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return fmt.Errorf("uds: hex image has no data segments")
	}
	for _, seg := range segments {
		d.log.Infof("flashing segment 0x%08X (%d bytes)", seg.Address, len(seg.Data))
		if err := d.Download(ctx, seg.Address, seg.Data); err != nil {
			return err
		}
	}
	return nil
}
