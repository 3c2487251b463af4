package plug

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Command identifies the operation carried by a frame.
//
// The ids are the two ASCII characters the plugs use on the wire,
// read as a big-endian uint16.
type Command uint16

// Protocol commands.
const (
	// CmdDiscover ("qa") asks every plug on the segment to identify itself.
	// Request payload is empty; responses carry a DiscoverResponse.
	CmdDiscover Command = 0x7161

	// CmdUnlock ("cl") subscribes this peer to a plug so that it will
	// accept power commands. Responses are ignored.
	CmdUnlock Command = 0x636c

	// CmdSetPower ("dc") switches a plug. The plug echoes the frame.
	CmdSetPower Command = 0x6463

	// CmdPowerChanged ("sf") is pushed by a plug whenever its relay changes.
	CmdPowerChanged Command = 0x7366
)

// String returns the two-character wire name of the command.
func (c Command) String() string {
	hi, lo := byte(c>>8), byte(c)
	if hi >= 0x20 && hi < 0x7f && lo >= 0x20 && lo < 0x7f {
		return string([]byte{hi, lo})
	}
	return fmt.Sprintf("0x%04x", uint16(c))
}

// Frame layout constants.
const (
	// HeaderSize is magic(2) + length(2) + command(2).
	HeaderSize = 6

	// MaxFrameSize is the largest frame the 16-bit length field can describe.
	MaxFrameSize = 0xFFFF

	// MaxPayloadSize is the largest payload EncodeFrame accepts.
	MaxPayloadSize = MaxFrameSize - HeaderSize

	magic0 = 0x68
	magic1 = 0x64

	// padByte fills the spacer fields of every payload.
	padByte = 0x20

	padLen          = 6
	firmwareLen     = 6
	unlockLen       = AddressLen + padLen + AddressLen + padLen
	powerLen        = AddressLen + padLen + 4 + 1
	discoverRespLen = 1 + AddressLen + padLen + AddressLen + padLen + firmwareLen + 4 + 1
)

// Frame is a decoded protocol frame.
type Frame struct {
	Command Command
	Payload []byte
}

// EncodeFrame builds a frame for the given command and payload.
//
// Parameters:
//   - cmd: Command id
//   - payload: Command payload (may be empty)
//
// Returns:
//   - []byte: Encoded frame
//   - error: ErrFrameTooLarge if the frame would exceed 65535 bytes
func EncodeFrame(cmd Command, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrFrameTooLarge, len(payload), MaxPayloadSize)
	}

	total := HeaderSize + len(payload)
	buf := make([]byte, total)
	buf[0] = magic0
	buf[1] = magic1
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint16(buf[4:6], uint16(cmd))
	copy(buf[HeaderSize:], payload)

	return buf, nil
}

// DecodeFrame parses one datagram.
//
// The datagram must start with the magic bytes and its declared length
// must equal the datagram length exactly.
//
// Returns:
//   - Frame: Decoded frame; Payload aliases data
//   - error: ErrMalformedFrame (wrapped) describing the defect
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes is shorter than header", ErrMalformedFrame, len(data))
	}
	if data[0] != magic0 || data[1] != magic1 {
		return Frame{}, fmt.Errorf("%w: bad magic 0x%02x%02x", ErrMalformedFrame, data[0], data[1])
	}

	declared := int(binary.BigEndian.Uint16(data[2:4]))
	if declared != len(data) {
		return Frame{}, fmt.Errorf("%w: declared length %d, received %d", ErrMalformedFrame, declared, len(data))
	}

	return Frame{
		Command: Command(binary.BigEndian.Uint16(data[4:6])),
		Payload: data[HeaderSize:],
	}, nil
}

// DiscoverResponse is the payload a plug sends in reply to CmdDiscover.
type DiscoverResponse struct {
	Address  Address
	Firmware string
	On       bool
}

// PowerStatus is the payload of CmdSetPower echoes and CmdPowerChanged pushes.
type PowerStatus struct {
	Address Address
	On      bool
}

// ParseDiscoverResponse decodes a discovery response payload.
//
// Layout: unknown(1) + addr(6) + pad(6) + reversed addr(6) + pad(6) +
// firmware ASCII(6) + unknown(4) + state(1).
func ParseDiscoverResponse(p []byte) (DiscoverResponse, error) {
	if len(p) != discoverRespLen {
		return DiscoverResponse{}, fmt.Errorf("%w: discover response is %d bytes, got %d", ErrPayloadLength, discoverRespLen, len(p))
	}

	fwStart := 1 + AddressLen + padLen + AddressLen + padLen
	firmware := strings.TrimRight(string(p[fwStart:fwStart+firmwareLen]), " \x00")

	return DiscoverResponse{
		Address:  AddressFromBytes(p[1:]),
		Firmware: firmware,
		On:       p[discoverRespLen-1] != 0,
	}, nil
}

// ParsePowerStatus decodes a CmdSetPower or CmdPowerChanged payload.
//
// Layout: addr(6) + pad(6) + unknown(4) + state(1).
func ParsePowerStatus(p []byte) (PowerStatus, error) {
	if len(p) != powerLen {
		return PowerStatus{}, fmt.Errorf("%w: power status is %d bytes, got %d", ErrPayloadLength, powerLen, len(p))
	}

	return PowerStatus{
		Address: AddressFromBytes(p),
		On:      p[powerLen-1] != 0,
	}, nil
}

// UnlockPayload builds the CmdUnlock payload for addr.
func UnlockPayload(addr Address) []byte {
	b, r := addr.Bytes(), addr.Reversed()
	pad := bytes.Repeat([]byte{padByte}, padLen)

	p := make([]byte, 0, unlockLen)
	p = append(p, b[:]...)
	p = append(p, pad...)
	p = append(p, r[:]...)
	p = append(p, pad...)
	return p
}

// SetPowerPayload builds the CmdSetPower payload for addr.
func SetPowerPayload(addr Address, on bool) []byte {
	b := addr.Bytes()

	p := make([]byte, 0, powerLen)
	p = append(p, b[:]...)
	p = append(p, bytes.Repeat([]byte{padByte}, padLen)...)
	p = append(p, 0, 0, 0, 0)
	if on {
		p = append(p, 1)
	} else {
		p = append(p, 0)
	}
	return p
}
