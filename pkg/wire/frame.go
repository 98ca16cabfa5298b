package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Constants for the binary frame layout.
const (
	// MagicByte is the marker used to identify the start of a valid frame.
	MagicByte = 0xA5

	// HeaderSize is the fixed size of the frame metadata:
	// 1 byte (Magic) + 1 byte (Kind) + 4 bytes (Length) + 4 bytes (CRC32) = 10 bytes.
	HeaderSize = 10

	// MaxPayloadSize bounds a single frame so a corrupt length cannot trigger
	// a huge allocation.
	MaxPayloadSize = 64 << 20
)

// FrameKind tells requests and responses apart at the framing level.
type FrameKind byte

const (
	FrameRequest  FrameKind = 0x01
	FrameResponse FrameKind = 0x02
)

var (
	// ErrInvalidMagic indicates the stream lost synchronization or is not a graphwire frame.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates data corruption within the frame payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the frame ended before its declared length.
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrFrameTooLarge indicates a declared payload length above MaxPayloadSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum payload size")
	// ErrUnexpectedKind indicates a request where a response was expected, or the reverse.
	ErrUnexpectedKind = errors.New("unexpected frame kind")
	// ErrTrailingData indicates bytes after the end of a frame that should stand alone.
	ErrTrailingData = errors.New("trailing data after frame")
)

// AppendFrame appends the framed payload to dst.
func AppendFrame(dst []byte, kind FrameKind, payload []byte) []byte {
	dst = append(dst, MagicByte, byte(kind))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	dst = binary.LittleEndian.AppendUint32(dst, crc32.ChecksumIEEE(payload))
	return append(dst, payload...)
}

// ReadFrame reads the next frame from the reader.
// It performs validation of the Magic Byte and the CRC32 Checksum.
// Returns the kind, the payload, the total bytes read (header + payload), and an error.
func ReadFrame(r io.Reader) (FrameKind, []byte, int, error) {
	header := make([]byte, HeaderSize)

	if _, err := io.ReadFull(r, header); err != nil {
		// EOF exactly at the start of a frame is a clean end of stream.
		if err == io.EOF {
			return 0, nil, 0, io.EOF
		}
		return 0, nil, 0, ErrIncompleteFrame
	}

	if header[0] != MagicByte {
		return 0, nil, HeaderSize, ErrInvalidMagic
	}
	kind := FrameKind(header[1])

	length := binary.LittleEndian.Uint32(header[2:6])
	expectedCRC := binary.LittleEndian.Uint32(header[6:10])
	if length > MaxPayloadSize {
		return kind, nil, HeaderSize, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return kind, nil, HeaderSize, ErrIncompleteFrame
	}

	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return kind, nil, HeaderSize + int(length), ErrChecksumMismatch
	}

	return kind, payload, HeaderSize + int(length), nil
}

// splitFrame validates that b holds exactly one frame of the wanted kind and
// returns its payload.
func splitFrame(b []byte, want FrameKind) ([]byte, error) {
	kind, payload, n, err := ReadFrame(bytes.NewReader(b))
	if err == io.EOF {
		err = ErrIncompleteFrame
	}
	if err != nil {
		return nil, err
	}
	if kind != want {
		return nil, ErrUnexpectedKind
	}
	if n != len(b) {
		return nil, ErrTrailingData
	}
	return payload, nil
}
