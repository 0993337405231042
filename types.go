package chat

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// ============================================================================
// Timestamps
// ============================================================================

// Timestamp decodes the backend's ISO 8601 dates. Values without
// fractional seconds are accepted, and the zero date the backend sometimes
// sends for unset fields ("1970-01-01T00:00:00…") decodes as the current
// time.
type Timestamp struct {
	time.Time
}

var nowFunc = time.Now

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if strings.HasPrefix(s, "1970-01-01T00:00:00") {
		t.Time = nowFunc()
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid date: %s", s)
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ============================================================================
// Users
// ============================================================================

// User is a chat user.
type User struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Image        string         `json:"image,omitempty"`
	Role         string         `json:"role,omitempty"`
	Online       bool           `json:"online,omitempty"`
	Banned       bool           `json:"banned,omitempty"`
	CreatedAt    *Timestamp     `json:"created_at,omitempty"`
	UpdatedAt    *Timestamp     `json:"updated_at,omitempty"`
	LastActiveAt *Timestamp     `json:"last_active_at,omitempty"`
	Devices      []Device       `json:"devices,omitempty"`
	Extra        map[string]any `json:"extra_data,omitempty"`

	// Set on the "me" user of health checks.
	TotalUnreadCount int `json:"total_unread_count,omitempty"`
	UnreadChannels   int `json:"unread_channels,omitempty"`
}

func equalUsers(a, b *User) bool {
	if a == nil || b == nil {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// UnreadCount holds the unread counters of the current user.
type UnreadCount struct {
	Channels int `json:"unread_channels"`
	Messages int `json:"total_unread_count"`
}

// NoUnread is the zero UnreadCount.
var NoUnread = UnreadCount{}

// ============================================================================
// Channels & messages
// ============================================================================

// ChannelID identifies a channel as "type:id".
type ChannelID struct {
	Type string
	ID   string
}

func (c ChannelID) String() string { return c.Type + ":" + c.ID }

// ParseChannelID parses a "type:id" cid.
func ParseChannelID(cid string) (ChannelID, error) {
	typ, id, ok := strings.Cut(cid, ":")
	if !ok || typ == "" || id == "" {
		return ChannelID{}, fmt.Errorf("invalid channel id %q", cid)
	}
	return ChannelID{Type: typ, ID: id}, nil
}

func (c ChannelID) MarshalJSON() ([]byte, error) {
	if c == (ChannelID{}) {
		return []byte(`""`), nil
	}
	return json.Marshal(c.String())
}

func (c *ChannelID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*c = ChannelID{}
		return nil
	}
	parsed, err := ParseChannelID(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Channel is a chat channel.
type Channel struct {
	CID         ChannelID      `json:"cid"`
	Type        string         `json:"type"`
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	CreatedBy   *User          `json:"created_by,omitempty"`
	MemberCount int            `json:"member_count,omitempty"`
	Frozen      bool           `json:"frozen,omitempty"`
	CreatedAt   *Timestamp     `json:"created_at,omitempty"`
	UpdatedAt   *Timestamp     `json:"updated_at,omitempty"`
	LastMessage *Timestamp     `json:"last_message_at,omitempty"`
	Extra       map[string]any `json:"extra_data,omitempty"`
}

// NewChannel returns a channel of the given type and id.
func NewChannel(typ, id string) *Channel {
	return &Channel{CID: ChannelID{Type: typ, ID: id}, Type: typ, ID: id}
}

// Message is a chat message.
type Message struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	Type       string         `json:"type,omitempty"`
	User       *User          `json:"user,omitempty"`
	CID        ChannelID      `json:"cid,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	ReplyCount int            `json:"reply_count,omitempty"`
	CreatedAt  *Timestamp     `json:"created_at,omitempty"`
	UpdatedAt  *Timestamp     `json:"updated_at,omitempty"`
	DeletedAt  *Timestamp     `json:"deleted_at,omitempty"`
	Extra      map[string]any `json:"extra_data,omitempty"`
}

// ============================================================================
// Devices
// ============================================================================

// PushProviderAPN is the push provider id sent with registered devices.
const PushProviderAPN = "apn"

// Device is a push device registered for a user.
type Device struct {
	ID           string     `json:"id"`
	PushProvider string     `json:"push_provider,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	CreatedAt    *Timestamp `json:"created_at,omitempty"`
}

// DevicesResponse is returned by GET /devices.
type DevicesResponse struct {
	Devices  []Device `json:"devices"`
	Duration string   `json:"duration,omitempty"`
}

// EmptyResponse is returned by endpoints without a payload.
type EmptyResponse struct {
	Duration string `json:"duration,omitempty"`
}

// ============================================================================
// Realtime events
// ============================================================================

// EventType names a realtime event.
type EventType string

const (
	EventHealthCheck             EventType = "health.check"
	EventConnectionRecovered     EventType = "connection.recovered"
	EventConnectionChanged       EventType = "connection.changed"
	EventMessageNew              EventType = "message.new"
	EventMessageUpdated          EventType = "message.updated"
	EventMessageDeleted          EventType = "message.deleted"
	EventMessageRead             EventType = "message.read"
	EventTypingStart             EventType = "typing.start"
	EventTypingStop              EventType = "typing.stop"
	EventUserUpdated             EventType = "user.updated"
	EventUserPresenceChanged     EventType = "user.presence.changed"
	EventNotificationMessageNew  EventType = "notification.message_new"
	EventNotificationMarkRead    EventType = "notification.mark_read"
	EventNotificationAddedToChan EventType = "notification.added_to_channel"
)

// Event is a server-pushed realtime event.
type Event struct {
	Type             EventType       `json:"type"`
	ConnectionID     string          `json:"connection_id,omitempty"`
	CID              ChannelID       `json:"cid,omitempty"`
	Me               *User           `json:"me,omitempty"`
	User             *User           `json:"user,omitempty"`
	Message          *Message        `json:"message,omitempty"`
	Channel          *Channel        `json:"channel,omitempty"`
	TotalUnreadCount *int            `json:"total_unread_count,omitempty"`
	UnreadChannels   *int            `json:"unread_channels,omitempty"`
	CreatedAt        *Timestamp      `json:"created_at,omitempty"`
	Raw              json.RawMessage `json:"-"`
}

// unreadCount returns the counters carried by the event, if any.
func (e *Event) unreadCount() (UnreadCount, bool) {
	switch {
	case e.TotalUnreadCount != nil && e.UnreadChannels != nil:
		return UnreadCount{Channels: *e.UnreadChannels, Messages: *e.TotalUnreadCount}, true
	case e.Type == EventHealthCheck && e.Me != nil:
		return UnreadCount{Channels: e.Me.UnreadChannels, Messages: e.Me.TotalUnreadCount}, true
	}
	return UnreadCount{}, false
}

// healthCheckCommand is the client heartbeat.
type healthCheckCommand struct {
	Type     EventType `json:"type"`
	ClientID string    `json:"client_id"`
}
