package pelco

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Command bytes understood by the pan-tilt head. Every message, in both
// directions, is a 7 byte Frame:
//
//	FF 00 00 cmd d1 d2 cks
//
// where cks is the low byte of cmd+d1+d2.
const (
	CmdPresetSet   byte = 0x03
	CmdPresetClear byte = 0x05
	CmdPresetCall  byte = 0x07
	CmdSetPan      byte = 0x4B
	CmdSetTilt     byte = 0x4D
	CmdQueryPan    byte = 0x51
	CmdQueryTilt   byte = 0x53
	// Replies to CmdQueryPan and CmdQueryTilt.
	CmdPanReport  byte = 0x59
	CmdTiltReport byte = 0x5B
)

const (
	frameSync = 0xFF
	FrameSize = 7
)

type Frame [FrameSize]byte

// NewFrame builds a frame carrying data big endian in d1,d2.
func NewFrame(cmd byte, data uint16) Frame {
	f := Frame{frameSync, 0x00, 0x00, cmd}
	binary.BigEndian.PutUint16(f[4:6], data)
	f[6] = f.checksum()
	return f
}

// AngleFrame encodes degrees as hundredths, truncated to 16 bits.
func AngleFrame(cmd byte, degrees float64) Frame {
	return NewFrame(cmd, uint16(int64(math.Round(degrees*100))))
}

func PresetFrame(cmd byte, preset byte) Frame {
	return NewFrame(cmd, uint16(preset))
}

func QueryFrame(cmd byte) Frame {
	return NewFrame(cmd, 0)
}

func (f Frame) Command() byte { return f[3] }

func (f Frame) Data() uint16 { return binary.BigEndian.Uint16(f[4:6]) }

// Degrees decodes the data bytes as an unsigned angle in hundredths.
func (f Frame) Degrees() float64 { return float64(f.Data()) / 100 }

func (f Frame) checksum() byte { return f[3] + f[4] + f[5] }

// Valid checks the sync byte and checksum.
func (f Frame) Valid() bool {
	return f[0] == frameSync && f[6] == f.checksum()
}

func (f Frame) String() string {
	return fmt.Sprintf("% X", f[:])
}
