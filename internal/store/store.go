package store

import (
	"context"
	"errors"

	"github.com/pliu/chatty-rooms/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate")
)

// MessageFilter scopes a recent-history read. All ignores RoomID; a nil
// RoomID with All unset selects the default-room sentinel rows.
type MessageFilter struct {
	All    bool
	RoomID *string
	Limit  int
}

type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	// Friend operations
	GetFriendLink(ctx context.Context, userID, friendID string) (*models.FriendLink, error)
	CreateFriendLink(ctx context.Context, link *models.FriendLink) error
	AcceptPendingFriendLink(ctx context.Context, userID, friendID string) error
	UpsertAcceptedFriendLink(ctx context.Context, userID, friendID string) error
	ListAcceptedFriends(ctx context.Context, userID string) ([]models.User, error)
	ListPendingRequesters(ctx context.Context, userID string) ([]models.User, error)

	// Room operations
	CreateRoom(ctx context.Context, room *models.Room) error
	GetRoomByName(ctx context.Context, name string) (*models.Room, error)
	GetRoomByID(ctx context.Context, id string) (*models.Room, error)
	ListRooms(ctx context.Context) ([]models.Room, error)
	AddMember(ctx context.Context, roomID, userID string) error
	ListMemberRooms(ctx context.Context, userID string) ([]models.Room, error)
	ListMemberIDs(ctx context.Context, roomID string) ([]string, error)

	// Message operations
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]models.Message, error)
	DeleteMessage(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}
