// Package protocol implements the frame format devices use to carry encoded
// messages over a byte stream.
//
// Codecs are not self delimiting, so every encoded message travels in a frame
// with a fixed 10-byte header followed by a variable-length body. The
// receiver reads the header first to learn the body length, then reads
// exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│fk│ bodyLen │    body ...    │
//	│ qrs  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "qrs". Lets a device reject a peer that speaks
// something else (an HTTP client hitting the wrong port) on the first frame.
const (
	MagicByte1 byte = 0x71 // 'q'
	MagicByte2 byte = 0x72 // 'r'
	MagicByte3 byte = 0x73 // 's'
	Version    byte = 0x01
	HeaderSize int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (frame kind) + 4 (bodyLen)
)

// MaxBodyLen caps the body a decoder is willing to allocate.
const MaxBodyLen = 16 << 20

// FrameKind distinguishes message frames from keepalive frames.
type FrameKind byte

const (
	FrameMessage   FrameKind = 0 // Body is one encoded message
	FrameHeartbeat FrameKind = 1 // KeepAlive probe (no body)
)

// Codec type constants, mirrored from the codec package to avoid an import
// cycle. The receiver does not trust this byte for decoding; it only
// validates it.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed frame header.
type Header struct {
	CodecType byte      // Serialization format of the body: 0=JSON, 1=Binary
	Kind      FrameKind // Message or Heartbeat
	BodyLen   uint32    // Body length in bytes
}

// Encode writes a complete frame (header + body) to w. Header and body go
// out in a single Write so a frame is never split between writers; callers
// sharing w must still serialize calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	if len(body) > MaxBodyLen {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicByte1, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.Kind)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates magic number, version, codec type, frame kind and body length.
// io.ReadFull guarantees exactly N bytes are read across partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	kind := FrameKind(headerBuf[5])
	if kind != FrameMessage && kind != FrameHeartbeat {
		return nil, nil, fmt.Errorf("unsupported frame kind: %d", kind)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		Kind:      kind,
		BodyLen:   bodyLen,
	}, body, nil
}
