package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"chat-gateway/internal/models"
)

// Inbound is a decoded client frame. The concrete type is one of
// *HeartbeatFrame, *IdentifyFrame, *UpdatePresenceFrame or *ProtocolViolation.
type Inbound interface {
	Opcode() Opcode
}

type HeartbeatFrame struct {
	// Seq is the last sequence number the client saw, if it sent one
	Seq *int64
}

func (*HeartbeatFrame) Opcode() Opcode { return OpHeartbeat }

// IdentifyFrame carries no payload: the credential comes from the handshake
type IdentifyFrame struct{}

func (*IdentifyFrame) Opcode() Opcode { return OpIdentify }

type UpdatePresenceFrame struct {
	Status models.UserStatus
}

func (*UpdatePresenceFrame) Opcode() Opcode { return OpUpdatePresence }

// ProtocolViolation is produced for input that cannot be acted on. It is
// logged and dropped; the connection stays open.
type ProtocolViolation struct {
	Op     Opcode
	Reason string
	Err    error
}

func (v *ProtocolViolation) Opcode() Opcode { return v.Op }

func (v *ProtocolViolation) Error() string {
	if v.Err != nil {
		return fmt.Sprintf("protocol violation (op %s): %s: %v", v.Op, v.Reason, v.Err)
	}
	return fmt.Sprintf("protocol violation (op %s): %s", v.Op, v.Reason)
}

func (v *ProtocolViolation) Unwrap() error { return v.Err }

type rawFrame struct {
	Op *Opcode         `json:"op"`
	D  json.RawMessage `json:"d"`
	T  string          `json:"t"`
	S  *int64          `json:"s"`
}

type updatePresenceData struct {
	Status string `json:"status"`
}

// DecodeFrame validates raw client input at the boundary and turns it into
// one of the Inbound variants.
func DecodeFrame(data []byte) Inbound {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ProtocolViolation{Op: -1, Reason: "malformed frame", Err: err}
	}
	if raw.Op == nil {
		return &ProtocolViolation{Op: -1, Reason: "missing opcode"}
	}

	op := *raw.Op
	switch op {
	case OpHeartbeat:
		frame := &HeartbeatFrame{}
		if hasPayload(raw.D) {
			var seq int64
			if err := json.Unmarshal(raw.D, &seq); err != nil {
				return &ProtocolViolation{Op: op, Reason: "heartbeat payload must be a sequence number or null", Err: err}
			}
			frame.Seq = &seq
		}
		return frame

	case OpIdentify:
		return &IdentifyFrame{}

	case OpUpdatePresence:
		if !hasPayload(raw.D) {
			return &ProtocolViolation{Op: op, Reason: "missing presence payload"}
		}
		var d updatePresenceData
		if err := json.Unmarshal(raw.D, &d); err != nil {
			return &ProtocolViolation{Op: op, Reason: "invalid presence payload", Err: err}
		}
		status, err := models.ParseUserStatus(d.Status)
		if err != nil {
			return &ProtocolViolation{Op: op, Reason: "invalid presence status", Err: err}
		}
		return &UpdatePresenceFrame{Status: status}

	case OpDispatch, OpInvalidSession, OpHello, OpHeartbeatAck:
		return &ProtocolViolation{Op: op, Reason: "server-only opcode"}

	default:
		return &ProtocolViolation{Op: op, Reason: "unknown opcode"}
	}
}

func hasPayload(d json.RawMessage) bool {
	trimmed := bytes.TrimSpace(d)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
