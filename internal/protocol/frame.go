// Package protocol implements the coordination channel between a Requester and
// a Coordinator: one framed JSON request, one ready response, then one
// completed (or error) response per trial.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// Frame layout: magic(2) type(1) reserved(1) length(4), big-endian, then payload.
const (
	MagicNumber uint16 = 0xCCB0
	HeaderSize         = 8

	// MaxPayload bounds a single frame. Coordination messages are tiny.
	MaxPayload = 4096

	MsgRequest  byte = 0x01
	MsgResponse byte = 0x02
)

var (
	// ErrBadMagic means the peer is not speaking this protocol.
	ErrBadMagic = errors.New("invalid magic number")
	// ErrFrameTooLarge means the declared payload exceeds MaxPayload.
	ErrFrameTooLarge = errors.New("frame exceeds maximum payload size")
	// ErrMalformed means the payload failed to decode or validate.
	ErrMalformed = errors.New("malformed message")
	// ErrUnexpectedType means a frame of the wrong message type arrived.
	ErrUnexpectedType = errors.New("unexpected message type")
	// ErrUnexpectedStatus means a well-formed response carried the wrong status.
	ErrUnexpectedStatus = errors.New("unexpected response status")
	// ErrNotReady means the coordinator answered a request with something other than ready.
	ErrNotReady = errors.New("coordinator not ready")
)

// WriteFrame writes header and payload in a single Write.
func WriteFrame(w io.Writer, msgType byte, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], MagicNumber)
	buf[2] = msgType
	buf[3] = 0 // Reserved
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. Oversized frames are rejected before the body is read.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	magic := binary.BigEndian.Uint16(header[0:2])
	msgType := header[2]
	payloadLen := binary.BigEndian.Uint32(header[4:8])

	if magic != MagicNumber {
		return 0, nil, fmt.Errorf("%w: %#04x", ErrBadMagic, magic)
	}
	if payloadLen > MaxPayload {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return msgType, payload, nil
}

// wireRequest uses pointers so that missing fields are distinguishable from zero values.
type wireRequest struct {
	Algorithm *string `json:"algorithm"`
	Size      *int64  `json:"size"`
}

type wireResponse struct {
	Status *domain.Status `json:"status"`
	Detail string         `json:"detail,omitempty"`
}

// decodeStrict rejects unknown fields and trailing data.
func decodeStrict(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after object", ErrMalformed)
	}
	return nil
}

// DecodeRequest parses and validates a request payload.
func DecodeRequest(payload []byte) (domain.CoordinationRequest, error) {
	var w wireRequest
	if err := decodeStrict(payload, &w); err != nil {
		return domain.CoordinationRequest{}, err
	}
	if w.Algorithm == nil || w.Size == nil {
		return domain.CoordinationRequest{}, fmt.Errorf("%w: algorithm and size are required", ErrMalformed)
	}
	req := domain.CoordinationRequest{Algorithm: *w.Algorithm, Size: *w.Size}
	if err := req.Validate(); err != nil {
		return domain.CoordinationRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return req, nil
}

// DecodeResponse parses and validates a response payload.
func DecodeResponse(payload []byte) (domain.CoordinationResponse, error) {
	var w wireResponse
	if err := decodeStrict(payload, &w); err != nil {
		return domain.CoordinationResponse{}, err
	}
	if w.Status == nil {
		return domain.CoordinationResponse{}, fmt.Errorf("%w: status is required", ErrMalformed)
	}
	resp := domain.CoordinationResponse{Status: *w.Status, Detail: w.Detail}
	if err := resp.Validate(); err != nil {
		return domain.CoordinationResponse{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return resp, nil
}

// WriteRequest validates and sends a request frame.
func WriteRequest(w io.Writer, req domain.CoordinationRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return WriteFrame(w, MsgRequest, payload)
}

// WriteResponse validates and sends a response frame.
func WriteResponse(w io.Writer, resp domain.CoordinationResponse) error {
	if err := resp.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	return WriteFrame(w, MsgResponse, payload)
}

// ReadRequest reads one request frame.
func ReadRequest(r io.Reader) (domain.CoordinationRequest, error) {
	msgType, payload, err := ReadFrame(r)
	if err != nil {
		return domain.CoordinationRequest{}, err
	}
	if msgType != MsgRequest {
		return domain.CoordinationRequest{}, fmt.Errorf("%w: %#02x", ErrUnexpectedType, msgType)
	}
	return DecodeRequest(payload)
}

// ReadResponse reads one response frame.
func ReadResponse(r io.Reader) (domain.CoordinationResponse, error) {
	msgType, payload, err := ReadFrame(r)
	if err != nil {
		return domain.CoordinationResponse{}, err
	}
	if msgType != MsgResponse {
		return domain.CoordinationResponse{}, fmt.Errorf("%w: %#02x", ErrUnexpectedType, msgType)
	}
	return DecodeResponse(payload)
}
