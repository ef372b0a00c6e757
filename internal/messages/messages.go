// Package messages is the durable, room-scoped message log.
//
// Rows whose room is NULL belong to the default-room sentinel. On writes the
// sentinel is spelled "default" or left empty; on reads an empty room id
// selects every room and "default" selects only sentinel rows.
package messages

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/pliu/chatty-rooms/internal/apperr"
	"github.com/pliu/chatty-rooms/internal/models"
	"github.com/pliu/chatty-rooms/internal/store"
	"go.uber.org/zap"
)

const (
	// DefaultRoom is the sentinel room id for messages without an owning room.
	DefaultRoom = "default"

	DefaultLimit = 100
	MaxLimit     = 500

	AnonymousAuthor = "Anonymous"
	maxAuthorLen    = 128
)

// BlobRemover deletes a stored attachment by its reference.
type BlobRemover interface {
	Remove(ref string) error
}

// AppendInput carries everything a sender may supply. UserID wins over
// Author when it names a live identity.
type AppendInput struct {
	Author     string
	Content    string
	Attachment *models.Attachment
	RoomID     string
	UserID     string
}

// Claim is what a caller asserts about themselves when deleting.
type Claim struct {
	Author string
	UserID string
}

type Service struct {
	store store.Store
	blobs BlobRemover
	log   *zap.Logger
	rules []deleteRule
}

func NewService(st store.Store, blobs BlobRemover, log *zap.Logger) *Service {
	return &Service{
		store: st,
		blobs: blobs,
		log:   log,
		rules: []deleteRule{ownerMatches, authorNameMatches},
	}
}

// RoomKey maps a wire room id to its stored form. The sentinel is nil.
func RoomKey(roomID string) *string {
	id := strings.TrimSpace(roomID)
	if id == "" || id == DefaultRoom {
		return nil
	}
	return &id
}

// RoomName is the inverse of RoomKey.
func RoomName(roomID *string) string {
	if roomID == nil {
		return DefaultRoom
	}
	return *roomID
}

// ClampLimit applies the recent-history bounds. Zero means the default.
func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultLimit
	case limit < 1:
		return 1
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// Append persists a message and returns it with its id and timestamp set.
func (s *Service) Append(ctx context.Context, in AppendInput) (*models.Message, error) {
	if strings.TrimSpace(in.Content) == "" && in.Attachment == nil {
		return nil, apperr.Conflict("Message content required")
	}

	msg := &models.Message{
		RoomID:     RoomKey(in.RoomID),
		Content:    in.Content,
		Attachment: in.Attachment,
		Author:     authorName(in.Author),
	}
	if in.UserID != "" {
		user, err := s.store.GetUserByID(ctx, in.UserID)
		switch {
		case err == nil:
			id := user.ID
			msg.UserID = &id
			msg.Author = user.Username
		case errors.Is(err, store.ErrNotFound):
			// Unknown ids post anonymously under the supplied name.
		default:
			return nil, apperr.Internal("lookup user", err)
		}
	}

	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, apperr.Internal("save message", err)
	}
	return msg, nil
}

func authorName(name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return AnonymousAuthor
	}
	if utf8.RuneCountInString(n) > maxAuthorLen {
		n = string([]rune(n)[:maxAuthorLen])
	}
	return n
}

// Recent returns up to limit messages, newest first.
func (s *Service) Recent(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	filter := store.MessageFilter{Limit: ClampLimit(limit)}
	if strings.TrimSpace(roomID) == "" {
		filter.All = true
	} else {
		filter.RoomID = RoomKey(roomID)
	}
	msgs, err := s.store.ListMessages(ctx, filter)
	if err != nil {
		return nil, apperr.Unavailable("Database unavailable", err)
	}
	return msgs, nil
}

// deleteRule reports whether claim may delete msg.
type deleteRule func(msg *models.Message, claim Claim) bool

func ownerMatches(msg *models.Message, claim Claim) bool {
	return claim.UserID != "" && msg.UserID != nil && *msg.UserID == claim.UserID
}

// authorNameMatches is the weak path kept for anonymous clients.
func authorNameMatches(msg *models.Message, claim Claim) bool {
	name := strings.TrimSpace(claim.Author)
	return name != "" && strings.EqualFold(name, msg.Author)
}

// Delete removes a message the claimant is allowed to delete and returns
// the stored room id it belonged to.
func (s *Service) Delete(ctx context.Context, id string, claim Claim) (*string, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("Message not found")
		}
		return nil, apperr.Internal("lookup message", err)
	}

	allowed := false
	for _, rule := range s.rules {
		if rule(msg, claim) {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, apperr.Forbidden("Only the sender can delete this message")
	}

	if err := s.store.DeleteMessage(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("Message not found")
		}
		return nil, apperr.Internal("delete message", err)
	}
	if msg.Attachment != nil && s.blobs != nil {
		if err := s.blobs.Remove(msg.Attachment.Path); err != nil {
			s.log.Warn("attachment cleanup failed",
				zap.String("message_id", id), zap.String("path", msg.Attachment.Path), zap.Error(err))
		}
	}
	return msg.RoomID, nil
}
