// Package codec decodes gRPC header and trailer metadata for display and
// encodes it back for transmission.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	_ "google.golang.org/genproto/googleapis/rpc/errdetails" // register detail types for Any
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const (
	// StatusKey is the trailer carrying the numeric gRPC status code.
	StatusKey = "grpc-status"
	// MessageKey is the trailer carrying the status message.
	MessageKey = "grpc-message"
	// StatusDetailsKey is the trailer carrying the encoded google.rpc.Status.
	StatusDetailsKey = "grpc-status-details-bin"

	binarySuffix = "-bin"

	// UndecodableMarker is shown in place of binary values that could not be parsed.
	UndecodableMarker = "<undecodable binary>"
)

var statusNames = [...]string{
	"OK",
	"CANCELLED",
	"UNKNOWN",
	"INVALID_ARGUMENT",
	"DEADLINE_EXCEEDED",
	"NOT_FOUND",
	"ALREADY_EXISTS",
	"PERMISSION_DENIED",
	"RESOURCE_EXHAUSTED",
	"FAILED_PRECONDITION",
	"ABORTED",
	"OUT_OF_RANGE",
	"UNIMPLEMENTED",
	"INTERNAL",
	"UNAVAILABLE",
	"DATA_LOSS",
	"UNAUTHENTICATED",
}

// DisplayValue is a single metadata entry prepared for display.
type DisplayValue struct {
	Key  string `json:"key"`
	Text string `json:"value"`
	// Binary is set for keys with the -bin suffix.
	Binary bool `json:"binary,omitempty"`
	// Raw holds the decoded bytes of a binary value.
	Raw    []byte           `json:"-"`
	Status *statuspb.Status `json:"-"`
	// StatusName is the canonical code name, set only for grpc-status.
	StatusName  string `json:"status_name,omitempty"`
	Undecodable bool   `json:"undecodable,omitempty"`
}

// IsBinaryKey reports whether key carries binary data.
func IsBinaryKey(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), binarySuffix)
}

// StatusName returns the canonical name for a numeric grpc-status value,
// or "" when the value is not a known code.
func StatusName(raw string) string {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 || n >= len(statusNames) {
		return ""
	}
	return statusNames[n]
}

// Decode converts a raw wire value into a DisplayValue. It never fails:
// binary values that cannot be parsed are flagged as undecodable.
func Decode(key, raw string) DisplayValue {
	dv := DisplayValue{Key: key}
	if !IsBinaryKey(key) {
		dv.Text = raw
		if strings.EqualFold(key, StatusKey) {
			dv.StatusName = StatusName(raw)
		}
		return dv
	}

	dv.Binary = true
	b, err := decodeBinary(raw)
	if err != nil {
		dv.Raw = []byte(raw)
		dv.Text = UndecodableMarker
		dv.Undecodable = true
		return dv
	}
	dv.Raw = b

	st := &statuspb.Status{}
	if err := proto.Unmarshal(b, st); err != nil {
		dv.Text = UndecodableMarker
		dv.Undecodable = true
		return dv
	}
	dv.Status = st
	dv.Text = statusText(st)
	return dv
}

// DecodeMD decodes every value of md, ordered by key.
func DecodeMD(md metadata.MD) []DisplayValue {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]DisplayValue, 0, len(keys))
	for _, k := range keys {
		for _, v := range md[k] {
			out = append(out, Decode(k, v))
		}
	}
	return out
}

// Encode converts a DisplayValue back into its wire form.
func Encode(dv DisplayValue) (string, error) {
	if !IsBinaryKey(dv.Key) {
		return dv.Text, nil
	}
	switch {
	case dv.Status != nil:
		return EncodeStatus(dv.Status)
	case dv.Raw != nil && !dv.Undecodable:
		return base64.RawStdEncoding.EncodeToString(dv.Raw), nil
	default:
		return "", errors.New("codec: encode: binary value has no payload")
	}
}

// EncodeStatus encodes st the way grpc-status-details-bin is transmitted.
func EncodeStatus(st *statuspb.Status) (string, error) {
	b, err := proto.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("codec: encode status: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}

// decodeBinary accepts both padded and unpadded base64, as gRPC peers do.
func decodeBinary(raw string) ([]byte, error) {
	if len(raw)%4 == 0 {
		if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
			return b, nil
		}
	}
	b, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("codec: decode base64: %w", err)
	}
	return b, nil
}

func statusText(st *statuspb.Status) string {
	b, err := protojson.Marshal(st)
	if err != nil {
		// Details of an unregistered type cannot be rendered as JSON.
		return fmt.Sprintf("code: %d message: %q details: %d", st.GetCode(), st.GetMessage(), len(st.GetDetails()))
	}
	return string(b)
}
