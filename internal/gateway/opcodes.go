package gateway

import (
	"fmt"

	"chat-gateway/internal/models"
)

// Opcode identifies the kind of a gateway frame
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpUpdatePresence Opcode = 3
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

// String returns the protocol name of the opcode
func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "DISPATCH"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpIdentify:
		return "IDENTIFY"
	case OpUpdatePresence:
		return "UPDATE_PRESENCE"
	case OpInvalidSession:
		return "INVALID_SESSION"
	case OpHello:
		return "HELLO"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(o))
	}
}

// IsInbound reports whether clients are allowed to send this opcode
func (o Opcode) IsInbound() bool {
	switch o {
	case OpHeartbeat, OpIdentify, OpUpdatePresence:
		return true
	default:
		return false
	}
}

// Dispatch event names
const (
	EventReady             = "READY"
	EventPresenceUpdate    = "PRESENCE_UPDATE"
	EventGuildMemberRemove = "GUILD_MEMBER_REMOVE"
	EventInviteCodeUse     = "INVITE_CODE_USE"
)

// TopicAdmins is the reserved topic for accounts carrying the admin flag
const TopicAdmins = "admins"

// Frame is the JSON envelope for every message on the wire
type Frame struct {
	Op Opcode `json:"op"`
	D  any    `json:"d,omitempty"`
	T  string `json:"t,omitempty"`
	S  *int64 `json:"s,omitempty"`
}

type HelloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type PresenceUpdatePayload struct {
	UserID string            `json:"userId"`
	Status models.UserStatus `json:"status"`
}

// Presence is one entry of the READY presence snapshot
type Presence struct {
	ID     string            `json:"id"`
	Status models.UserStatus `json:"status"`
}

type ReadyAccount struct {
	ID            string `json:"id"`
	EmailVerified bool   `json:"emailVerified"`
	Locale        string `json:"locale"`
	Email         string `json:"email"`
}

type ReadySettings struct {
	Theme              models.Theme `json:"theme"`
	CompactMode        bool         `json:"compactMode"`
	CompactShowAvatars bool         `json:"compactShowAvatars"`
	PendingDeletion    *bool        `json:"pendingDeletion,omitempty"`
	DeleteAt           string       `json:"deleteAt,omitempty"`
}

type AppSettings struct {
	InviteCodes []models.InviteCode `json:"inviteCodes"`
}

type ReadyPayload struct {
	Account     ReadyAccount    `json:"account"`
	Settings    ReadySettings   `json:"settings"`
	User        models.User     `json:"user"`
	Guilds      []*models.Guild `json:"guilds"`
	Presences   []Presence      `json:"presences"`
	AppSettings *AppSettings    `json:"appSettings,omitempty"`
}

// Frame constructors

// NewDispatch wraps an event into a DISPATCH frame
func NewDispatch(event string, data any) Frame {
	return Frame{Op: OpDispatch, T: event, D: data}
}

func helloFrame(interval int64) Frame {
	return Frame{Op: OpHello, D: HelloPayload{HeartbeatInterval: interval}}
}

func heartbeatAckFrame() Frame {
	return Frame{Op: OpHeartbeatAck}
}

// invalidSessionFrame tells the client its session is over. resumable=true
// marks a liveness timeout, false an authentication or account failure.
func invalidSessionFrame(resumable bool) Frame {
	return Frame{Op: OpInvalidSession, D: resumable}
}

func presenceUpdateFrame(userID string, status models.UserStatus) Frame {
	return NewDispatch(EventPresenceUpdate, PresenceUpdatePayload{UserID: userID, Status: status})
}
