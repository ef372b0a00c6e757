package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pliu/chatty-rooms/internal/models"
	"github.com/pliu/chatty-rooms/internal/store"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
	now        func() time.Time
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// SQLite allows one writer; a single connection also keeps
		// ":memory:" databases shared across queries.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName, now: func() time.Time { return time.Now().UTC() }}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS users (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		email TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS friends (
		user_id TEXT NOT NULL REFERENCES users(id),
		friend_id TEXT NOT NULL REFERENCES users(id),
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, friend_id)
	);

	CREATE TABLE IF NOT EXISTS rooms (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		name TEXT UNIQUE NOT NULL,
		kind TEXT NOT NULL DEFAULT 'named',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS room_members (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL REFERENCES rooms(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		joined_at DATETIME NOT NULL,
		UNIQUE (room_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		room_id TEXT,
		user_id TEXT,
		author TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		attachment_path TEXT,
		attachment_name TEXT,
		attachment_mime TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS messages_room_seq ON messages (room_id, seq);
	CREATE INDEX IF NOT EXISTS room_members_user ON room_members (user_id, seq);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMPTZ")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

// mapErr turns driver errors into store sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}
	return false
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullPtr(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func ptrFromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// User operations

const userColumns = "u.id, u.username, u.password_hash, COALESCE(u.email, ''), u.created_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Email, &user.CreatedAt); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	query := s.rebind("INSERT INTO users (id, username, password_hash, email, created_at) VALUES (?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Username, user.PasswordHash, nullString(user.Email), user.CreatedAt)
	return mapErr(err)
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users u WHERE u.username = ?")
	user, err := scanUser(s.db.QueryRowContext(ctx, query, username))
	return user, mapErr(err)
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users u WHERE u.id = ?")
	user, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	return user, mapErr(err)
}

func (s *SQLStore) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.queryUsers(ctx, "SELECT "+userColumns+" FROM users u ORDER BY u.seq ASC")
}

func (s *SQLStore) queryUsers(ctx context.Context, query string, args ...any) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// Friend operations

func (s *SQLStore) GetFriendLink(ctx context.Context, userID, friendID string) (*models.FriendLink, error) {
	var link models.FriendLink
	var status string
	query := s.rebind("SELECT user_id, friend_id, status, created_at FROM friends WHERE user_id = ? AND friend_id = ?")
	err := s.db.QueryRowContext(ctx, query, userID, friendID).Scan(&link.UserID, &link.FriendID, &status, &link.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	link.Status = models.FriendStatus(status)
	return &link, nil
}

func (s *SQLStore) CreateFriendLink(ctx context.Context, link *models.FriendLink) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = s.now()
	}
	query := s.rebind("INSERT INTO friends (user_id, friend_id, status, created_at) VALUES (?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, link.UserID, link.FriendID, string(link.Status), link.CreatedAt)
	return mapErr(err)
}

func (s *SQLStore) AcceptPendingFriendLink(ctx context.Context, userID, friendID string) error {
	query := s.rebind("UPDATE friends SET status = 'accepted' WHERE user_id = ? AND friend_id = ? AND status = 'pending'")
	result, err := s.db.ExecContext(ctx, query, userID, friendID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLStore) UpsertAcceptedFriendLink(ctx context.Context, userID, friendID string) error {
	query := s.rebind(`
		INSERT INTO friends (user_id, friend_id, status, created_at) VALUES (?, ?, 'accepted', ?)
		ON CONFLICT (user_id, friend_id) DO UPDATE SET status = 'accepted'
	`)
	_, err := s.db.ExecContext(ctx, query, userID, friendID, s.now())
	return mapErr(err)
}

// ListAcceptedFriends returns the other side of every accepted row touching
// userID, in either direction. Duplicates are left for the caller to fold.
func (s *SQLStore) ListAcceptedFriends(ctx context.Context, userID string) ([]models.User, error) {
	return s.queryUsers(ctx, `
		SELECT `+userColumns+`
		FROM friends f
		JOIN users u ON u.id = CASE WHEN f.user_id = ? THEN f.friend_id ELSE f.user_id END
		WHERE (f.user_id = ? OR f.friend_id = ?) AND f.status = 'accepted'
		ORDER BY f.created_at ASC, u.seq ASC
	`, userID, userID, userID)
}

func (s *SQLStore) ListPendingRequesters(ctx context.Context, userID string) ([]models.User, error) {
	return s.queryUsers(ctx, `
		SELECT `+userColumns+`
		FROM friends f
		JOIN users u ON u.id = f.user_id
		WHERE f.friend_id = ? AND f.status = 'pending'
		ORDER BY f.created_at ASC, u.seq ASC
	`, userID)
}

// Room operations

const roomColumns = "r.id, r.name, r.kind, r.created_at"

func scanRoom(row scanner) (*models.Room, error) {
	var room models.Room
	var kind string
	if err := row.Scan(&room.ID, &room.Name, &kind, &room.CreatedAt); err != nil {
		return nil, err
	}
	room.Kind = models.RoomKind(kind)
	return &room, nil
}

func (s *SQLStore) CreateRoom(ctx context.Context, room *models.Room) error {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = s.now()
	}
	if room.Kind == "" {
		room.Kind = models.RoomNamed
	}
	query := s.rebind("INSERT INTO rooms (id, name, kind, created_at) VALUES (?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, room.ID, room.Name, string(room.Kind), room.CreatedAt)
	return mapErr(err)
}

func (s *SQLStore) GetRoomByName(ctx context.Context, name string) (*models.Room, error) {
	query := s.rebind("SELECT " + roomColumns + " FROM rooms r WHERE r.name = ?")
	room, err := scanRoom(s.db.QueryRowContext(ctx, query, name))
	return room, mapErr(err)
}

func (s *SQLStore) GetRoomByID(ctx context.Context, id string) (*models.Room, error) {
	query := s.rebind("SELECT " + roomColumns + " FROM rooms r WHERE r.id = ?")
	room, err := scanRoom(s.db.QueryRowContext(ctx, query, id))
	return room, mapErr(err)
}

func (s *SQLStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	return s.queryRooms(ctx, "SELECT "+roomColumns+" FROM rooms r ORDER BY r.seq ASC")
}

func (s *SQLStore) queryRooms(ctx context.Context, query string, args ...any) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []models.Room{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// AddMember is idempotent: an existing membership is left untouched.
func (s *SQLStore) AddMember(ctx context.Context, roomID, userID string) error {
	query := s.rebind(`
		INSERT INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, ?)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`)
	_, err := s.db.ExecContext(ctx, query, roomID, userID, s.now())
	return mapErr(err)
}

// ListMemberRooms returns the rooms userID belongs to, most recently joined first.
func (s *SQLStore) ListMemberRooms(ctx context.Context, userID string) ([]models.Room, error) {
	return s.queryRooms(ctx, `
		SELECT `+roomColumns+`
		FROM room_members m
		JOIN rooms r ON r.id = m.room_id
		WHERE m.user_id = ?
		ORDER BY m.seq DESC
	`, userID)
}

func (s *SQLStore) ListMemberIDs(ctx context.Context, roomID string) ([]string, error) {
	query := s.rebind("SELECT user_id FROM room_members WHERE room_id = ? ORDER BY seq ASC")
	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Message operations

const messageColumns = "id, room_id, user_id, author, content, attachment_path, attachment_name, attachment_mime, created_at"

func scanMessage(row scanner) (*models.Message, error) {
	var m models.Message
	var roomID, userID, path, name, mime sql.NullString
	if err := row.Scan(&m.ID, &roomID, &userID, &m.Author, &m.Content, &path, &name, &mime, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.RoomID = ptrFromNull(roomID)
	m.UserID = ptrFromNull(userID)
	if path.Valid {
		m.Attachment = &models.Attachment{Path: path.String, Name: name.String, Mime: mime.String}
	}
	return &m, nil
}

func (s *SQLStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	var path, name, mime sql.NullString
	if a := msg.Attachment; a != nil {
		path = sql.NullString{String: a.Path, Valid: true}
		name = sql.NullString{String: a.Name, Valid: true}
		mime = sql.NullString{String: a.Mime, Valid: true}
	}
	query := s.rebind("INSERT INTO messages (" + messageColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, msg.ID, nullPtr(msg.RoomID), nullPtr(msg.UserID), msg.Author, msg.Content, path, name, mime, msg.CreatedAt)
	return mapErr(err)
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE id = ?")
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	return msg, mapErr(err)
}

// ListMessages returns the newest messages first.
func (s *SQLStore) ListMessages(ctx context.Context, filter store.MessageFilter) ([]models.Message, error) {
	query := "SELECT " + messageColumns + " FROM messages"
	var args []any
	switch {
	case filter.All:
	case filter.RoomID == nil:
		query += " WHERE room_id IS NULL"
	default:
		query += " WHERE room_id = ?"
		args = append(args, *filter.RoomID)
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (s *SQLStore) DeleteMessage(ctx context.Context, id string) error {
	query := s.rebind("DELETE FROM messages WHERE id = ?")
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
