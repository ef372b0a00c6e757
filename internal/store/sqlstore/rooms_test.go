package sqlstore

import (
	"context"
	"testing"

	"github.com/pliu/chatty-rooms/internal/models"
	"github.com/pliu/chatty-rooms/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRoom(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	room := &models.Room{Name: "General", Kind: models.RoomDefault}
	require.NoError(t, testStore.CreateRoom(ctx, room))
	assert.NotEmpty(t, room.ID)

	err := testStore.CreateRoom(ctx, &models.Room{Name: "General"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	got, err := testStore.GetRoomByName(ctx, "General")
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)
	assert.Equal(t, models.RoomDefault, got.Kind)
}

func TestAddMemberIsIdempotent(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	user := mustCreateUser(t, "user1")
	room := &models.Room{Name: "Chat 1"}
	require.NoError(t, testStore.CreateRoom(ctx, room))

	require.NoError(t, testStore.AddMember(ctx, room.ID, user.ID))
	require.NoError(t, testStore.AddMember(ctx, room.ID, user.ID))

	ids, err := testStore.ListMemberIDs(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{user.ID}, ids)
}

func TestListMemberRoomsMostRecentFirst(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	user := mustCreateUser(t, "user1")
	first := &models.Room{Name: "First"}
	second := &models.Room{Name: "Second"}
	other := &models.Room{Name: "Other"}
	for _, r := range []*models.Room{first, second, other} {
		require.NoError(t, testStore.CreateRoom(ctx, r))
	}
	require.NoError(t, testStore.AddMember(ctx, first.ID, user.ID))
	require.NoError(t, testStore.AddMember(ctx, second.ID, user.ID))

	rooms, err := testStore.ListMemberRooms(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "Second", rooms[0].Name)
	assert.Equal(t, "First", rooms[1].Name)
}
