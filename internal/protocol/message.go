// Package protocol defines the newline-delimited JSON control-plane wire
// format: the inbound request variants and outbound event variants named in
// spec.md §6. Framing and dispatch live in internal/control.
package protocol

// Inbound type values.
const (
	TypeLogin        = "login"
	TypeHeartbeat    = "heartbeat"
	TypeChat         = "chat"
	TypeBroadcast    = "broadcast"
	TypeUnicast      = "unicast"
	TypeGetHistory   = "get-history"
	TypeFileOffer    = "file-offer"
	TypeFileRequest  = "file-request"
	TypePresentStart = "present-start"
	TypePresentStop  = "present-stop"
	TypeLogout       = "logout"
)

// Outbound type values.
const (
	TypeLoginSuccess     = "login-success"
	TypeParticipantList  = "participant-list"
	TypeUserJoined       = "user-joined"
	TypeUserLeft         = "user-left"
	TypeHeartbeatAck     = "heartbeat-ack"
	TypeUnicastSent      = "unicast-sent"
	TypeHistory          = "history"
	TypeFileUploadPort   = "file-upload-port"
	TypeFileDownloadPort = "file-download-port"
	TypeFileAvailable    = "file-available"
	TypeScreenSharePorts = "screen-share-ports"
	TypeError            = "error"
)

// Chat kinds for ChatMessage.Kind.
const (
	KindChat      = "chat"
	KindBroadcast = "broadcast"
	KindUnicast   = "unicast"
)

// Envelope is the superset of fields used across every inbound and outbound
// message variant. Fields are tagged omitempty so each variant only
// serializes what it needs.
type Envelope struct {
	Type string `json:"type"`

	// login
	Name string `json:"name,omitempty"`

	// login-success / user-joined / user-left / chat deliveries / present-start / present-stop
	UID uint32 `json:"uid,omitempty"`

	// heartbeat-ack
	ServerTime int64 `json:"server-time,omitempty"`

	// participant-list
	Participants []Participant `json:"participants,omitempty"`

	// chat / broadcast / unicast delivery
	Text      string `json:"text,omitempty"`
	TargetUID uint32 `json:"target-uid,omitempty"`
	Username  string `json:"username,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// get-history / history
	Messages []ChatMessage `json:"messages,omitempty"`
	Count    int           `json:"count,omitempty"`

	// file-offer / file-upload-port / file-request / file-download-port / file-available
	FID      string `json:"fid,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Port     int    `json:"port,omitempty"`
	Uploader string `json:"uploader,omitempty"`

	// present-start / present-stop / screen-share-ports
	Topic         string `json:"topic,omitempty"`
	PresenterPort int    `json:"presenter-port,omitempty"`
	ViewerPort    int    `json:"viewer-port,omitempty"`
}

// Participant is one row of a participant-list payload.
type Participant struct {
	UID  uint32 `json:"uid"`
	Name string `json:"name"`
}

// ChatMessage is one chat-ring entry, also used verbatim as a history row.
// Live chat deliveries copy its fields into an Envelope.
type ChatMessage struct {
	Kind      string `json:"kind,omitempty"`
	UID       uint32 `json:"uid"`
	Username  string `json:"username"`
	TargetUID uint32 `json:"target-uid,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}
