package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pliu/chatty-rooms/internal/apperr"
	"github.com/pliu/chatty-rooms/internal/keylock"
	"github.com/pliu/chatty-rooms/internal/models"
	"github.com/pliu/chatty-rooms/internal/store"
	"go.uber.org/zap"
)

const maxRoomNameLen = 128

type Directory struct {
	store       store.Store
	log         *zap.Logger
	defaultName string
	pairs       *keylock.Map
}

func NewDirectory(st store.Store, defaultName string, log *zap.Logger) *Directory {
	return &Directory{store: st, log: log, defaultName: defaultName, pairs: keylock.New()}
}

// DefaultName is the fixed name of the well-known default room.
func (d *Directory) DefaultName() string { return d.defaultName }

// EnsureDefaultRoom returns the default room, creating it on first use.
func (d *Directory) EnsureDefaultRoom(ctx context.Context) (*models.Room, error) {
	room, err := d.store.GetRoomByName(ctx, d.defaultName)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	room = &models.Room{Name: d.defaultName, Kind: models.RoomDefault}
	if err := d.store.CreateRoom(ctx, room); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Another caller created it first.
			return d.store.GetRoomByName(ctx, d.defaultName)
		}
		return nil, err
	}
	d.log.Info("created default room", zap.String("room_id", room.ID), zap.String("name", room.Name))
	return room, nil
}

// CreateRoom creates a named room. When creatorID is set the creator
// becomes its first member.
func (d *Directory) CreateRoom(ctx context.Context, name, creatorID string) (*models.Room, error) {
	n := strings.TrimSpace(name)
	if n == "" {
		return nil, apperr.Conflict("Room name required")
	}
	if utf8.RuneCountInString(n) > maxRoomNameLen {
		return nil, apperr.Conflict("Room name too long")
	}
	if _, err := d.store.GetRoomByName(ctx, n); err == nil {
		return nil, apperr.Conflict("Room name already exists")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Internal("lookup room", err)
	}

	room := &models.Room{Name: n, Kind: models.RoomNamed}
	if err := d.store.CreateRoom(ctx, room); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.Conflict("Room name already exists")
		}
		return nil, apperr.Internal("create room", err)
	}
	// The room stays even if the creator could not be added; they can still
	// join it and it is listed for everyone.
	if creatorID != "" {
		if err := d.store.AddMember(ctx, room.ID, creatorID); err != nil {
			d.log.Warn("add creator to room",
				zap.String("room_id", room.ID), zap.String("user_id", creatorID), zap.Error(err))
		}
	}
	return room, nil
}

// GetRoom looks a room up by id.
func (d *Directory) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room, err := d.store.GetRoomByID(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("Room not found")
		}
		return nil, apperr.Unavailable("Database unavailable", err)
	}
	return room, nil
}

// ListRooms returns every room in creation order.
func (d *Directory) ListRooms(ctx context.Context) ([]models.Room, error) {
	if _, err := d.EnsureDefaultRoom(ctx); err != nil {
		return nil, apperr.Unavailable("Database unavailable", err)
	}
	rooms, err := d.store.ListRooms(ctx)
	if err != nil {
		return nil, apperr.Unavailable("Database unavailable", err)
	}
	return rooms, nil
}

// ListRoomsForUser returns the rooms userID is a member of, most recently
// joined first, with the default room in front when it is not already a
// membership. An anonymous caller gets an empty list.
func (d *Directory) ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	if userID == "" {
		return []models.Room{}, nil
	}
	rooms, err := d.store.ListMemberRooms(ctx, userID)
	if err != nil {
		return nil, apperr.Unavailable("Database unavailable", err)
	}
	general, err := d.EnsureDefaultRoom(ctx)
	if err != nil {
		return nil, apperr.Unavailable("Database unavailable", err)
	}
	for _, r := range rooms {
		if r.ID == general.ID {
			return rooms, nil
		}
	}
	return append([]models.Room{*general}, rooms...), nil
}

// GetOrCreate1To1 resolves the direct room shared by a and b, creating it
// when none exists. The lookup walks a's memberships linearly; direct
// conversation counts per user are expected to stay small.
func (d *Directory) GetOrCreate1To1(ctx context.Context, a, b string) (*models.Room, error) {
	if a == b {
		return nil, apperr.Conflict("Cannot create chat with yourself")
	}
	userA, err := d.lookupUser(ctx, a)
	if err != nil {
		return nil, err
	}
	userB, err := d.lookupUser(ctx, b)
	if err != nil {
		return nil, err
	}

	unlock := d.pairs.Lock(keylock.PairKey(a, b))
	defer unlock()

	candidates, err := d.store.ListMemberRooms(ctx, a)
	if err != nil {
		return nil, apperr.Internal("list rooms", err)
	}
	for _, room := range candidates {
		members, err := d.store.ListMemberIDs(ctx, room.ID)
		if err != nil {
			return nil, apperr.Internal("list room members", err)
		}
		if isExactPair(members, a, b) {
			r := room
			return &r, nil
		}
	}

	name := fmt.Sprintf("Direct: %s, %s", userA.Username, userB.Username)
	room := &models.Room{Name: name, Kind: models.RoomDirect}
	err = d.store.CreateRoom(ctx, room)
	if errors.Is(err, store.ErrDuplicate) {
		// The name is taken by an unrelated room; keep it unique.
		room = &models.Room{Name: fmt.Sprintf("%s (%s)", name, uuid.NewString()[:8]), Kind: models.RoomDirect}
		err = d.store.CreateRoom(ctx, room)
	}
	if err != nil {
		return nil, apperr.Internal("create room", err)
	}
	for _, id := range []string{a, b} {
		if err := d.store.AddMember(ctx, room.ID, id); err != nil {
			return nil, apperr.Internal("add room member", err)
		}
	}
	d.log.Info("created direct room", zap.String("room_id", room.ID), zap.String("name", room.Name))
	return room, nil
}

func isExactPair(members []string, a, b string) bool {
	if len(members) != 2 {
		return false
	}
	return (members[0] == a && members[1] == b) || (members[0] == b && members[1] == a)
}

func (d *Directory) lookupUser(ctx context.Context, id string) (*models.User, error) {
	user, err := d.store.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("User not found")
		}
		return nil, apperr.Internal("lookup user", err)
	}
	return user, nil
}
