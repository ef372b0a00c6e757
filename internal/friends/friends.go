// Package friends implements the friend-request state machine.
//
// A friendship is stored as directed rows (requester, target, status).
// Once two identities are mutual, both directions exist as accepted, so
// queries never need to know who asked first. A request that meets an
// already pending request in the opposite direction is treated as the
// answer to it: both rows become accepted without an explicit accept
// step. This is how simultaneous requests resolve.
package friends

import (
	"context"
	"errors"

	"github.com/pliu/chatty-rooms/internal/apperr"
	"github.com/pliu/chatty-rooms/internal/keylock"
	"github.com/pliu/chatty-rooms/internal/models"
	"github.com/pliu/chatty-rooms/internal/store"
	"go.uber.org/zap"
)

type Graph struct {
	store store.Store
	log   *zap.Logger
	pairs *keylock.Map
}

func NewGraph(st store.Store, log *zap.Logger) *Graph {
	return &Graph{store: st, log: log, pairs: keylock.New()}
}

// Request records that requesterID wants to be friends with targetID and
// returns the resulting status of the requester's row.
func (g *Graph) Request(ctx context.Context, requesterID, targetID string) (models.FriendStatus, error) {
	if requesterID == targetID {
		return "", apperr.Conflict("Cannot add yourself")
	}
	if _, err := g.store.GetUserByID(ctx, targetID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", apperr.NotFound("User not found")
		}
		return "", apperr.Internal("lookup user", err)
	}

	unlock := g.pairs.Lock(keylock.PairKey(requesterID, targetID))
	defer unlock()

	if _, err := g.store.GetFriendLink(ctx, requesterID, targetID); err == nil {
		return "", apperr.Conflict("Already sent or friends")
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", apperr.Internal("lookup friend link", err)
	}

	reverse, err := g.store.GetFriendLink(ctx, targetID, requesterID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", apperr.Internal("lookup friend link", err)
	}
	if reverse != nil {
		switch reverse.Status {
		case models.FriendAccepted:
			return "", apperr.Conflict("Already friends")
		case models.FriendPending:
			if err := g.store.AcceptPendingFriendLink(ctx, targetID, requesterID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return "", apperr.Internal("accept friend link", err)
			}
			if err := g.insert(ctx, requesterID, targetID, models.FriendAccepted); err != nil {
				return "", err
			}
			g.log.Info("friend requests crossed, now mutual",
				zap.String("user_id", requesterID), zap.String("friend_id", targetID))
			return models.FriendAccepted, nil
		}
	}

	if err := g.insert(ctx, requesterID, targetID, models.FriendPending); err != nil {
		return "", err
	}
	return models.FriendPending, nil
}

func (g *Graph) insert(ctx context.Context, userID, friendID string, status models.FriendStatus) error {
	err := g.store.CreateFriendLink(ctx, &models.FriendLink{UserID: userID, FriendID: friendID, Status: status})
	if errors.Is(err, store.ErrDuplicate) {
		return apperr.Conflict("Already sent or friends")
	}
	if err != nil {
		return apperr.Internal("create friend link", err)
	}
	return nil
}

// Accept answers the pending request requesterID sent to accepterID.
func (g *Graph) Accept(ctx context.Context, accepterID, requesterID string) error {
	unlock := g.pairs.Lock(keylock.PairKey(accepterID, requesterID))
	defer unlock()

	if err := g.store.AcceptPendingFriendLink(ctx, requesterID, accepterID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("No pending request")
		}
		return apperr.Internal("accept friend link", err)
	}
	if err := g.store.UpsertAcceptedFriendLink(ctx, accepterID, requesterID); err != nil {
		return apperr.Internal("mirror friend link", err)
	}
	return nil
}

// ListMutuals returns every identity userID is friends with, once each.
func (g *Graph) ListMutuals(ctx context.Context, userID string) ([]models.User, error) {
	rows, err := g.store.ListAcceptedFriends(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("list friends", err)
	}
	seen := make(map[string]bool, len(rows))
	friends := make([]models.User, 0, len(rows))
	for _, u := range rows {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		friends = append(friends, u)
	}
	return friends, nil
}

// ListPendingReceived returns the identities waiting on userID's answer.
func (g *Graph) ListPendingReceived(ctx context.Context, userID string) ([]models.User, error) {
	users, err := g.store.ListPendingRequesters(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("list pending requests", err)
	}
	return users, nil
}
