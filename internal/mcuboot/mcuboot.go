// Package mcuboot parses the fixed 32-byte MCUboot image header so the
// firmware upgrade orchestrator can reject obviously malformed images
// before spending a connection on them.
//
// This intentionally implements only header parsing — Intel-HEX conversion
// and TLV/signature verification stay out of scope.
package mcuboot

import (
	"encoding/binary"
	"fmt"
)

// Magic is the expected value of Header.Magic.
const Magic uint32 = 0x96F3B83D

// HeaderSize is the fixed size of an MCUboot image header in bytes.
const HeaderSize = 32

// Flags for Header.Flags.
const (
	FlagPIC             uint32 = 0x01
	FlagEncryptedAES128 uint32 = 0x04
	FlagEncryptedAES256 uint32 = 0x08
	FlagNonBootable     uint32 = 0x10
	FlagRAMLoad         uint32 = 0x20
)

// Version is an MCUboot image_version struct.
type Version struct {
	Major    uint8
	Minor    uint8
	Revision uint16
	BuildNum uint32
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d-build%d", v.Major, v.Minor, v.Revision, v.BuildNum)
}

// Header is an MCUboot signed firmware update image header, per
// https://docs.mcuboot.com/design.html.
type Header struct {
	Magic          uint32
	LoadAddr       uint32
	HdrSize        uint16
	ProtectTLVSize uint16
	ImgSize        uint32
	Flags          uint32
	Version        Version
}

// ErrBadMagic is returned by ParseHeader when the image does not begin with
// the MCUboot magic number.
type ErrBadMagic struct {
	Got uint32
}

func (e *ErrBadMagic) Error() string {
	return fmt.Sprintf("mcuboot: bad image magic 0x%08X, want 0x%08X", e.Got, Magic)
}

// ParseHeader reads the 32-byte MCUboot header from the start of image.
func ParseHeader(image []byte) (Header, error) {
	if len(image) < HeaderSize {
		return Header{}, fmt.Errorf("mcuboot: image too small for header: got %d bytes, want at least %d", len(image), HeaderSize)
	}

	b := image[:HeaderSize]

	h := Header{
		Magic:          binary.LittleEndian.Uint32(b[0:4]),
		LoadAddr:       binary.LittleEndian.Uint32(b[4:8]),
		HdrSize:        binary.LittleEndian.Uint16(b[8:10]),
		ProtectTLVSize: binary.LittleEndian.Uint16(b[10:12]),
		ImgSize:        binary.LittleEndian.Uint32(b[12:16]),
		Flags:          binary.LittleEndian.Uint32(b[16:20]),
		Version: Version{
			Major:    b[20],
			Minor:    b[21],
			Revision: binary.LittleEndian.Uint16(b[22:24]),
			BuildNum: binary.LittleEndian.Uint32(b[24:28]),
		},
	}

	if h.Magic != Magic {
		return Header{}, &ErrBadMagic{Got: h.Magic}
	}

	return h, nil
}
