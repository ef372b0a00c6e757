package models

import "time"

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"` // empty for guest/legacy identities
	CreatedAt    time.Time `json:"createdAt"`
}

// IsGuest reports whether the identity was created without credentials.
func (u *User) IsGuest() bool { return u.PasswordHash == "" }

type RoomKind string

const (
	RoomDefault RoomKind = "default"
	RoomNamed   RoomKind = "named"
	RoomDirect  RoomKind = "direct"
)

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      RoomKind  `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
}

type FriendStatus string

const (
	FriendPending  FriendStatus = "pending"
	FriendAccepted FriendStatus = "accepted"
)

// FriendLink is one directed row: UserID requested FriendID.
type FriendLink struct {
	UserID    string       `json:"userId"`
	FriendID  string       `json:"friendId"`
	Status    FriendStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
}

type Attachment struct {
	Path string `json:"path"` // relative to the public upload directory
	Name string `json:"name"`
	Mime string `json:"mime"`
}

type Message struct {
	ID         string      `json:"id"`
	RoomID     *string     `json:"roomId"` // nil is the default-room sentinel
	UserID     *string     `json:"userId"`
	Author     string      `json:"author"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment"`
	CreatedAt  time.Time   `json:"createdAt"`
}
