package protocol

import "fmt"

// Position is the 2-bit chunk-position enum carried in the flags byte.
type Position uint8

const (
	PositionNormal Position = 0
	PositionFirst  Position = 1
	PositionLast   Position = 2
	PositionOnly   Position = 3 // frame fits in a single chunk: first and last at once
)

func (p Position) String() string {
	switch p {
	case PositionNormal:
		return "NORMAL"
	case PositionFirst:
		return "FIRST"
	case PositionLast:
		return "LAST"
	case PositionOnly:
		return "ONLY"
	}
	return fmt.Sprintf("Position(%d)", uint8(p))
}

// Flags packs version, chunk position, FEC and encryption bits:
//
//	bit 7..4  version
//	bit 3..2  position
//	bit 1     FEC enabled
//	bit 0     encryption enabled
type Flags uint8

const (
	flagEncrypted   Flags = 1 << 0
	flagFEC         Flags = 1 << 1
	positionShift         = 2
	positionMask    Flags = 0x3 << positionShift
	versionShift          = 4
)

// NewFlags builds a flags byte for the current protocol version.
func NewFlags(pos Position, fec, encrypted bool) Flags {
	f := Flags(Version<<versionShift) | Flags(pos)<<positionShift
	if fec {
		f |= flagFEC
	}
	if encrypted {
		f |= flagEncrypted
	}
	return f
}

// Version returns the protocol version stored in the top nibble.
func (f Flags) Version() uint8 { return uint8(f) >> versionShift }

// Position returns the chunk position.
func (f Flags) Position() Position { return Position((f & positionMask) >> positionShift) }

// First reports whether the chunk opens a frame.
func (f Flags) First() bool {
	p := f.Position()
	return p == PositionFirst || p == PositionOnly
}

// Last reports whether the chunk closes a frame.
func (f Flags) Last() bool {
	p := f.Position()
	return p == PositionLast || p == PositionOnly
}

// FEC reports whether the sender marked the chunk as FEC-enabled.
// The bit is reserved: no recovery scheme consumes it.
func (f Flags) FEC() bool { return f&flagFEC != 0 }

// Encrypted reports whether the chunk's data is ciphertext.
func (f Flags) Encrypted() bool { return f&flagEncrypted != 0 }

func (f Flags) String() string {
	return fmt.Sprintf("v%d|%s|fec=%t|enc=%t", f.Version(), f.Position(), f.FEC(), f.Encrypted())
}
