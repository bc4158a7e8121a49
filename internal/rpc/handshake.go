package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/objlink/objlink/internal/wire"
)

const protocolName = "objlink"

// Connection roles within a session. The primary connection establishes the
// session; secondaries widen the caller pool on demand; reverse connections
// are dialed by the client but served by it, so the server can call back
// into client-hosted objects.
const (
	connRolePrimary   = "primary"
	connRoleSecondary = "secondary"
	connRoleReverse   = "reverse"
)

type handshakeRequest struct {
	Protocol  string `json:"protocol"`
	Version   uint16 `json:"version"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	// ReverseThreads caps how many reverse connections the client will
	// dial for this session. Only meaningful on the primary handshake.
	ReverseThreads int `json:"reverse_threads,omitempty"`
}

type handshakeAck struct {
	Accepted   bool   `json:"accepted"`
	SessionID  string `json:"session_id"`
	MaxThreads int    `json:"max_threads"`
	Message    string `json:"message,omitempty"`
}

func encodeHandshake(req handshakeRequest) (wire.Frame, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("rpc: encode handshake: %w", err)
	}
	return wire.Frame{Header: wire.Header{Kind: wire.KindHandshake}, Payload: payload}, nil
}

func encodeAck(ack handshakeAck) (wire.Frame, error) {
	payload, err := json.Marshal(ack)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("rpc: encode handshake ack: %w", err)
	}
	return wire.Frame{Header: wire.Header{Kind: wire.KindHandshakeAck}, Payload: payload}, nil
}

// parseHandshake validates the opening frame of a connection.
func parseHandshake(f wire.Frame) (handshakeRequest, uuid.UUID, error) {
	var req handshakeRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return req, uuid.Nil, fmt.Errorf("rpc: decode handshake: %w", err)
	}
	if req.Protocol != protocolName {
		return req, uuid.Nil, fmt.Errorf("rpc: handshake protocol %q", req.Protocol)
	}
	if req.Version != wire.Version {
		return req, uuid.Nil, fmt.Errorf("rpc: handshake version %d: %w", req.Version, wire.ErrUnsupportedVersion)
	}
	switch req.Role {
	case connRolePrimary, connRoleSecondary, connRoleReverse:
	default:
		return req, uuid.Nil, fmt.Errorf("rpc: handshake role %q", req.Role)
	}
	if req.ReverseThreads < 0 {
		return req, uuid.Nil, fmt.Errorf("rpc: handshake reverse threads %d", req.ReverseThreads)
	}
	id, err := uuid.Parse(req.SessionID)
	if err != nil {
		return req, uuid.Nil, fmt.Errorf("rpc: handshake session id: %w", err)
	}
	return req, id, nil
}

// clientHandshake performs the client half of the opening exchange on c.
func clientHandshake(c *Conn, id uuid.UUID, role string, reverseThreads int) (handshakeAck, error) {
	var ack handshakeAck

	deadline := time.Now().Add(handshakeTimeout)
	if err := c.nc.SetDeadline(deadline); err != nil {
		return ack, fmt.Errorf("rpc: handshake deadline: %w", err)
	}
	defer c.nc.SetDeadline(time.Time{})

	req, err := encodeHandshake(handshakeRequest{
		Protocol:       protocolName,
		Version:        wire.Version,
		SessionID:      id.String(),
		Role:           role,
		ReverseThreads: reverseThreads,
	})
	if err != nil {
		return ack, err
	}
	if err := c.writeFrame(req); err != nil {
		return ack, fmt.Errorf("rpc: send handshake: %w", err)
	}

	f, err := c.readFrame()
	if err != nil {
		return ack, fmt.Errorf("rpc: read handshake ack: %w", err)
	}
	switch f.Header.Kind {
	case wire.KindHandshakeAck:
	case wire.KindReply:
		return ack, fmt.Errorf("rpc: handshake rejected: %w", wire.StatusErr(f.Header.Status))
	default:
		return ack, fmt.Errorf("rpc: unexpected frame kind %d in handshake", f.Header.Kind)
	}
	if err := json.Unmarshal(f.Payload, &ack); err != nil {
		return ack, fmt.Errorf("rpc: decode handshake ack: %w", err)
	}
	if !ack.Accepted {
		return ack, fmt.Errorf("%w: %s", errHandshakeRefused, ack.Message)
	}
	return ack, nil
}
