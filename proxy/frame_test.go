package proxy_test

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/mickamy/grpc-mediator/proxy"
)

func buildGRPCFrame(flags byte, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(flags)
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(payload)))
	buf.Write(length)
	buf.Write(payload)
	return buf.Bytes()
}

func TestFrameReader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		payloads []string
	}{
		{"zero", nil},
		{"one", []string{"hello"}},
		{"three", []string{"a", "", "ccc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var data bytes.Buffer
			for _, p := range tt.payloads {
				data.Write(buildGRPCFrame(0, []byte(p)))
			}

			fr := proxy.NewFrameReader(iotest.OneByteReader(&data))
			for i, want := range tt.payloads {
				f, err := fr.Next()
				if err != nil {
					t.Fatalf("frame %d: %v", i, err)
				}
				if string(f.Payload) != want {
					t.Errorf("frame %d = %q, want %q", i, f.Payload, want)
				}
			}
			if _, err := fr.Next(); !errors.Is(err, io.EOF) {
				t.Errorf("final Next() error = %v, want io.EOF", err)
			}
			if fr.Count != len(tt.payloads) {
				t.Errorf("Count = %d, want %d", fr.Count, len(tt.payloads))
			}
		})
	}
}

func TestFrameReader_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "truncated header", data: []byte{0, 0, 0}, wantErr: io.ErrUnexpectedEOF},
		{name: "truncated payload", data: buildGRPCFrame(0, []byte("hello"))[:7], wantErr: io.ErrUnexpectedEOF},
		{name: "too large", data: []byte{0, 0xff, 0xff, 0xff, 0xff}, wantErr: proxy.ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := proxy.NewFrameReader(bytes.NewReader(tt.data)).Next()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Next() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteFrame(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := proxy.WriteFrame(&buf, proxy.Frame{Flags: proxy.FlagTrailer, Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if want := buildGRPCFrame(proxy.FlagTrailer, []byte("x")); !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("WriteFrame = %v, want %v", buf.Bytes(), want)
	}

	f, err := proxy.NewFrameReader(&buf).Next()
	if err != nil {
		t.Fatal(err)
	}
	if !f.Control() || f.Compressed() {
		t.Errorf("flags = %#x, want trailer only", f.Flags)
	}
}

func TestUncompress(t *testing.T) {
	t.Parallel()

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write([]byte("hello"))
	_ = zw.Close()

	tests := []struct {
		name     string
		frame    proxy.Frame
		encoding string
		want     string
		wantErr  bool
	}{
		{name: "plain", frame: proxy.Frame{Payload: []byte("hello")}, want: "hello"},
		{name: "plain ignores encoding", frame: proxy.Frame{Payload: []byte("hello")}, encoding: "snappy", want: "hello"},
		{name: "gzip", frame: proxy.Frame{Flags: proxy.FlagCompressed, Payload: gz.Bytes()}, encoding: "gzip", want: "hello"},
		{name: "unknown encoding", frame: proxy.Frame{Flags: proxy.FlagCompressed, Payload: gz.Bytes()}, encoding: "zstd", wantErr: true},
		{name: "corrupt gzip", frame: proxy.Frame{Flags: proxy.FlagCompressed, Payload: []byte("nope")}, encoding: "gzip", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := proxy.Uncompress(tt.frame, tt.encoding)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Uncompress() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Uncompress: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Uncompress() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTrailerFrame(t *testing.T) {
	t.Parallel()

	got := proxy.ParseTrailerFrame([]byte("Grpc-Status: 5\r\ngrpc-message: not found\r\nx-extra: a\r\nX-Extra: b\r\n"))
	if v := got["grpc-status"]; len(v) != 1 || v[0] != "5" {
		t.Errorf("grpc-status = %v, want [5]", v)
	}
	if v := got["grpc-message"]; len(v) != 1 || v[0] != "not found" {
		t.Errorf("grpc-message = %v, want [not found]", v)
	}
	if v := got["x-extra"]; len(v) != 2 {
		t.Errorf("x-extra = %v, want two values", v)
	}
}
