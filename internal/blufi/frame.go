// Package blufi implements the BLUFI frame codec: the byte layout, CRC16
// checksum, fragmentation, and payload parsing for the ESP32 BLUFI WiFi
// provisioning protocol. The package is pure: no I/O, no transport state.
package blufi

import (
	"errors"
	"fmt"
)

// Frame kinds: the low two bits of the type byte.
const (
	KindControl byte = 0x00
	KindData    byte = 0x01
)

// Frame type bytes, composed as (subtype << 2) | kind. These are wire
// constants; the device rejects anything else.
const (
	TypeCtrlNegotiate    byte = 0x00 // control subtype 0: security negotiate / handshake
	TypeCtrlSetOpMode    byte = 0x04 // control subtype 1: set WiFi operating mode
	TypeCtrlConnectAP    byte = 0x0C // control subtype 3: connect to the configured AP
	TypeCtrlGetStatus    byte = 0x14 // control subtype 5: request WiFi status report
	TypeCtrlDisconnectAP byte = 0x10 // control subtype 4: disconnect from the AP
	TypeCtrlGetWiFiList  byte = 0x24 // control subtype 9: request a WiFi scan

	TypeDataStaSSID     byte = 0x09 // data subtype 2: station SSID
	TypeDataStaPassword byte = 0x0D // data subtype 3: station password
	TypeDataConnected   byte = 0x3D // data subtype 15: WiFi connected successfully
	TypeDataAck         byte = 0x49 // data subtype 18: ack / status report
)

// Frame-control bit masks.
const (
	CtrlChecksum      byte = 0x02 // bit 1: trailing CRC16 present
	CtrlFragmented    byte = 0x10 // bit 4: payload is one fragment of a larger buffer
	CtrlFirstFragment byte = 0x20 // bit 5: first fragment
	CtrlLastFragment  byte = 0x40 // bit 6: last fragment
)

// MaxPayload is the largest data field a single frame can carry; the length
// field is one byte. Larger payloads must be fragmented.
const MaxPayload = 255

// headerLen is type + frame control + sequence + data length.
const headerLen = 4

// ErrMalformedFrame reports a structural violation found while decoding.
var ErrMalformedFrame = errors.New("blufi: malformed frame")

// Frame is one decoded BLUFI frame.
type Frame struct {
	Type     byte
	Control  byte
	Sequence byte
	Data     []byte
	Checksum uint16 // valid only when Control has CtrlChecksum set
}

// Kind returns the frame kind (control or data) from the type byte.
func (f *Frame) Kind() byte { return f.Type & 0x03 }

// Subtype returns the protocol subtype from the type byte.
func (f *Frame) Subtype() byte { return f.Type >> 2 }

// Fragmented reports whether this frame is part of a fragmented buffer.
func (f *Frame) Fragmented() bool { return f.Control&CtrlFragmented != 0 }

// First reports whether this frame is the first fragment.
func (f *Frame) First() bool { return f.Control&CtrlFirstFragment != 0 }

// Last reports whether this frame is the last fragment.
func (f *Frame) Last() bool { return f.Control&CtrlLastFragment != 0 }

// VerifyChecksum recomputes the CRC over [sequence][len][data] and compares
// it to the received value. Frames without the checksum bit verify trivially:
// the device omits checksums on some responses and that is not an error.
func (f *Frame) VerifyChecksum() bool {
	if f.Control&CtrlChecksum == 0 {
		return true
	}
	return checksumOf(f.Sequence, f.Data) == f.Checksum
}

// Encode builds a checksummed frame:
//
//	[type][frame_control=0x02][sequence][len][data...][crc_lo][crc_hi]
//
// The CRC16 is computed over [sequence][len][data] and stored little-endian.
func Encode(frameType, sequence byte, data []byte) ([]byte, error) {
	return encode(frameType, CtrlChecksum, sequence, data, true)
}

// EncodeNoChecksum builds a frame with frame_control=0x00 and no trailing
// CRC. Used on diagnostic paths where the device is known to skip
// verification.
func EncodeNoChecksum(frameType, sequence byte, data []byte) ([]byte, error) {
	return encode(frameType, 0x00, sequence, data, false)
}

func encode(frameType, control, sequence byte, data []byte, withCRC bool) ([]byte, error) {
	if len(data) > MaxPayload {
		return nil, fmt.Errorf("blufi: payload %d bytes exceeds %d, fragment it", len(data), MaxPayload)
	}
	buf := make([]byte, 0, headerLen+len(data)+2)
	buf = append(buf, frameType, control, sequence, byte(len(data)))
	buf = append(buf, data...)
	if withCRC {
		crc := checksumOf(sequence, data)
		buf = append(buf, byte(crc), byte(crc>>8))
	}
	return buf, nil
}

// Decode parses one frame from buf. It validates structure only: short
// buffers and length overruns fail with ErrMalformedFrame. Checksums are NOT
// verified here; device responses vary in checksum usage, and fragments
// bound for reassembly are checked (or not) by the caller via
// VerifyChecksum.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(buf), headerLen)
	}
	f := &Frame{
		Type:     buf[0],
		Control:  buf[1],
		Sequence: buf[2],
	}
	dataLen := int(buf[3])
	if headerLen+dataLen > len(buf) {
		return nil, fmt.Errorf("%w: declared length %d overruns %d-byte buffer", ErrMalformedFrame, dataLen, len(buf))
	}
	f.Data = make([]byte, dataLen)
	copy(f.Data, buf[headerLen:headerLen+dataLen])
	if f.Control&CtrlChecksum != 0 {
		rest := buf[headerLen+dataLen:]
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: checksum bit set but only %d trailing bytes", ErrMalformedFrame, len(rest))
		}
		f.Checksum = uint16(rest[0]) | uint16(rest[1])<<8
	}
	return f, nil
}

// checksumOf computes the frame CRC over [sequence][len(data)][data].
func checksumOf(sequence byte, data []byte) uint16 {
	buf := make([]byte, 0, 2+len(data))
	buf = append(buf, sequence, byte(len(data)))
	buf = append(buf, data...)
	return CRC16(0, buf)
}
