package relaydesk

import (
	"strings"
	"time"
)

const (
	DefaultUserType  = "lead"
	defaultUserLabel = "Usuário"
)

// State is a dialogue state label. The legal set comes from the active Flow.
type State string

type User struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionRow is the persisted form of a dialogue session. Payload holds the
// serialized envelope; Version increases on every successful write.
type SessionRow struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	UserID       string    `json:"userId"`
	State        State     `json:"state"`
	Payload      string    `json:"payload"`
	LastActivity time.Time `json:"lastActivity"`
	Version      int64     `json:"version"`
}

// DialogueState is where one end-user currently is in the scripted flow.
type DialogueState struct {
	CurrentState  State          `json:"currentState"`
	PreviousState *State         `json:"previousState"`
	Data          map[string]any `json:"data"`
	Context       map[string]any `json:"context"`
	LastActivity  time.Time      `json:"lastActivity"`
}

// Key addresses a session either by end-user phone or by resolved user id.
type Key struct {
	phone  string
	userID string
}

func ByPhone(phone string) Key {
	return Key{phone: strings.TrimSpace(phone)}
}

func ByUserID(userID string) Key {
	return Key{userID: strings.TrimSpace(userID)}
}

func (k Key) Phone() string  { return k.phone }
func (k Key) UserID() string { return k.userID }
func (k Key) IsPhone() bool  { return k.phone != "" }

func (k Key) valid() bool {
	return (k.phone == "") != (k.userID == "")
}

func (k Key) String() string {
	if k.IsPhone() {
		return "phone:" + k.phone
	}
	return "user:" + k.userID
}

func defaultUserName(phone string) string {
	suffix := phone
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return defaultUserLabel + " " + suffix
}

func copyAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func mergeContext(base, patch map[string]any) map[string]any {
	out := copyAnyMap(base)
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func statePtr(s State) *State {
	return &s
}
