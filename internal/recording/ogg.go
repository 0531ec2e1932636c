package recording

import (
	"encoding/binary"
	"io"
)

// Ogg page header types.
const (
	pageNormal byte = 0
	pageBOS    byte = 2
	pageEOS    byte = 4
)

// opusGranuleRate is the fixed granule clock of Ogg Opus (RFC 7845).
const opusGranuleRate = 48000

// oggWriter encapsulates Opus packets in an Ogg stream, one packet per page.
type oggWriter struct {
	w       io.Writer
	serial  uint32
	pageSeq uint32
	granule uint64
}

func newOggWriter(w io.Writer, serial uint32) *oggWriter {
	return &oggWriter{w: w, serial: serial}
}

// writeHeaders emits the OpusHead and OpusTags pages.
func (o *oggWriter) writeHeaders(inputRate int, vendor string) error {
	head := make([]byte, 19)
	copy(head[0:8], "OpusHead")
	head[8] = 1 // version
	head[9] = 1 // mono
	binary.LittleEndian.PutUint16(head[10:12], 0)
	binary.LittleEndian.PutUint32(head[12:16], uint32(inputRate))
	binary.LittleEndian.PutUint16(head[16:18], 0)
	head[18] = 0 // mapping family
	if err := o.writePage(head, 0, pageBOS); err != nil {
		return err
	}

	tags := make([]byte, 8+4+len(vendor)+4)
	copy(tags[0:8], "OpusTags")
	binary.LittleEndian.PutUint32(tags[8:12], uint32(len(vendor)))
	copy(tags[12:], vendor)
	binary.LittleEndian.PutUint32(tags[12+len(vendor):], 0)
	return o.writePage(tags, 0, pageNormal)
}

// writePacket appends one packet covering samples48k samples at 48 kHz.
func (o *oggWriter) writePacket(packet []byte, samples48k uint64) error {
	o.granule += samples48k
	return o.writePage(packet, o.granule, pageNormal)
}

// close writes the empty end-of-stream page.
func (o *oggWriter) close() error {
	return o.writePage(nil, o.granule, pageEOS)
}

func (o *oggWriter) writePage(payload []byte, granule uint64, headerType byte) error {
	segments := len(payload)/255 + 1
	segTable := make([]byte, segments)
	for i := range segments - 1 {
		segTable[i] = 255
	}
	segTable[segments-1] = byte(len(payload) % 255)

	header := make([]byte, 27+segments)
	copy(header[0:4], "OggS")
	header[4] = 0
	header[5] = headerType
	binary.LittleEndian.PutUint64(header[6:14], granule)
	binary.LittleEndian.PutUint32(header[14:18], o.serial)
	binary.LittleEndian.PutUint32(header[18:22], o.pageSeq)
	header[26] = byte(segments)
	copy(header[27:], segTable)
	binary.LittleEndian.PutUint32(header[22:26], oggCRC(header, payload))
	o.pageSeq++

	if _, err := o.w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := o.w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// oggCRC is the unreflected CRC-32 (polynomial 0x04C11DB7) Ogg uses; it is
// not the IEEE CRC from hash/crc32.
func oggCRC(header, payload []byte) uint32 {
	var crc uint32
	for _, b := range header {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	for _, b := range payload {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}

var oggCRCTable = func() [256]uint32 {
	const poly = 0x04C11DB7
	var table [256]uint32
	for i := range table {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ poly
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}()
