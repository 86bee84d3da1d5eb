package proxy

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds the payload of a single length-prefixed message.
const MaxFrameSize = 64 << 20

// Frame flag bits.
const (
	FlagCompressed byte = 0x01
	// FlagEndStream marks the Connect end-of-stream message.
	FlagEndStream byte = 0x02
	// FlagTrailer marks the gRPC-Web trailer frame.
	FlagTrailer byte = 0x80
)

// ErrFrameTooLarge is returned for frames larger than MaxFrameSize.
var ErrFrameTooLarge = errors.New("proxy: frame too large")

// Frame is one length-prefixed message.
//
// Wire format: [1-byte flags][4-byte big-endian length][payload]
type Frame struct {
	Flags   byte
	Payload []byte
}

// Compressed reports whether the payload is compressed.
func (f Frame) Compressed() bool { return f.Flags&FlagCompressed != 0 }

// Control reports whether the frame carries protocol trailers rather than
// a message.
func (f Frame) Control() bool { return f.Flags&(FlagTrailer|FlagEndStream) != 0 }

// FrameReader splits a stream into frames.
type FrameReader struct {
	r      io.Reader
	hdrBuf [5]byte
	// Count is the number of frames read so far.
	Count int
}

// NewFrameReader creates a FrameReader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Next returns the next frame. It returns io.EOF at a clean frame boundary
// and io.ErrUnexpectedEOF when the stream ends mid-frame.
func (fr *FrameReader) Next() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.hdrBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(fr.hdrBuf[1:5])
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	f := Frame{Flags: fr.hdrBuf[0], Payload: make([]byte, n)}
	if _, err := io.ReadFull(fr.r, f.Payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	fr.Count++
	return f, nil
}

// WriteFrame writes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [5]byte
	hdr[0] = f.Flags
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(f.Payload)
	return err
}

// Uncompress returns the message bytes of f. Only gzip is understood;
// other encodings yield an error.
func Uncompress(f Frame, encoding string) ([]byte, error) {
	if !f.Compressed() {
		return f.Payload, nil
	}
	if encoding != "gzip" {
		return nil, fmt.Errorf("proxy: unsupported message encoding %q", encoding)
	}
	zr, err := gzip.NewReader(bytes.NewReader(f.Payload))
	if err != nil {
		return nil, fmt.Errorf("proxy: gzip: %w", err)
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(io.LimitReader(zr, MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("proxy: gzip: %w", err)
	}
	if len(out) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}

// ParseTrailerFrame parses the "key: value\r\n" block of a gRPC-Web trailer
// frame into lower-cased keys.
func ParseTrailerFrame(payload []byte) map[string][]string {
	out := make(map[string][]string)
	for _, line := range bytes.Split(payload, []byte("\r\n")) {
		k, v, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		key := string(bytes.ToLower(bytes.TrimSpace(k)))
		out[key] = append(out[key], string(bytes.TrimSpace(v)))
	}
	return out
}
