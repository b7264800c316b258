// Package rtcmssr implements the RTCM3 SSR ingestion boundary: this
// module owns generic RTCM3 frame extraction and CRC validation, and
// defines the external collaborator's contract for decoding SSR message
// payloads into the core's SSR model (spec.md 1, "RTCM3 SSR decoder
// (external collaborator's contract)"). The core never parses SSR message
// bits itself — that decoding is delegated through the Decoder interface
// to github.com/go-gnss/rtcm.
//
// Grounded on goblimey-go-ntrip/rtcm/rtcm.go (GetMessageLengthAndType,
// ReadNextRTCM3MessageFrame, CheckCRC) for the generic frame/CRC layer,
// which this module reimplements against a plain io.Reader instead of the
// teacher's stateful *RTCM handler.
package rtcmssr

import (
	"bufio"
	"errors"
	"io"

	crc24q "github.com/goblimey/go-crc24q/crc24q"
)

const (
	preamble         byte = 0xD3
	leaderLenBytes        = 3
	crcLenBytes           = 3
)

// ErrBadCRC is returned when a frame's trailing CRC-24Q doesn't match its
// header+payload.
var ErrBadCRC = errors.New("rtcmssr: crc24q mismatch")

// FrameReader extracts individual RTCM3 message frames from a byte stream
// that may interleave RTCM3 with other protocols (NMEA, UBX, ...), skipping
// bytes until it finds a byte that looks like a valid 0xD3 header.
type FrameReader struct {
	br *bufio.Reader
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{br: bufio.NewReaderSize(r, 4096)}
}

// Next returns the message type and payload (the bytes between the 3-byte
// header and the 3-byte trailing CRC) of the next valid RTCM3 frame,
// skipping non-RTCM3 bytes. Returns io.EOF when the stream is exhausted.
func (f *FrameReader) Next() (msgType int, payload []byte, err error) {
	for {
		b, err := f.br.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		if b != preamble {
			continue
		}
		header := [2]byte{}
		header[0], err = f.br.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		header[1], err = f.br.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		// top 6 bits of header[0] must be zero; bottom 10 bits across
		// header[0..1] give the payload length.
		if header[0]&0xFC != 0 {
			continue
		}
		length := int(header[0]&0x03)<<8 | int(header[1])
		if length == 0 {
			continue
		}
		body := make([]byte, length+crcLenBytes)
		if _, err := io.ReadFull(f.br, body); err != nil {
			return 0, nil, err
		}
		frame := make([]byte, 0, leaderLenBytes+len(body))
		frame = append(frame, preamble, header[0], header[1])
		frame = append(frame, body...)
		if !checkCRC(frame) {
			// not a real RTCM3 frame (0xD3 found in the noise); the bytes
			// read for it are dropped and scanning resumes after them.
			continue
		}
		pay := body[:length]
		if len(pay) < 2 {
			continue
		}
		mt := int(pay[0])<<4 | int(pay[1])>>4
		return mt, pay, nil
	}
}

func checkCRC(frame []byte) bool {
	if len(frame) < leaderLenBytes+crcLenBytes {
		return false
	}
	n := len(frame) - crcLenBytes
	want := crc24q.Hash(frame[:n])
	return crc24q.HiByte(want) == frame[n] && crc24q.MiByte(want) == frame[n+1] && crc24q.LoByte(want) == frame[n+2]
}
