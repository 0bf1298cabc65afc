package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, password_hash)
		VALUES ($1, $2, $3)
	`, user.ID, user.Name, user.PasswordHash)
	if pgErrorCode(err) == pgUniqueViolation {
		return ErrNameTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (User, error) {
	return s.getUser(ctx, `SELECT id, name, password_hash, created_at FROM users WHERE name=$1`, name)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, `SELECT id, name, password_hash, created_at FROM users WHERE id=$1`, id)
}

func (s *PostgresStore) getUser(ctx context.Context, query, arg string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Name, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

// CreateGroup inserts the group, its creator as first member, and the opening
// system note in one transaction.
func (s *PostgresStore) CreateGroup(ctx context.Context, group Group, creatorName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create group: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO groups (code, name, creator_id)
		VALUES ($1, $2, $3)
	`, group.Code, group.Name, group.CreatorID)
	if pgErrorCode(err) == pgUniqueViolation {
		return ErrCodeTaken
	}
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO group_members (group_code, user_id) VALUES ($1, $2)
	`, group.Code, group.CreatorID); err != nil {
		return fmt.Errorf("insert creator membership: %w", err)
	}

	if err := insertSystemNote(ctx, tx, group.Code, CreatedGroupText(creatorName)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create group: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, code string) (Group, error) {
	var group Group
	err := s.db.QueryRowContext(ctx, `
		SELECT g.code, g.name, g.creator_id, g.created_at,
			(SELECT COUNT(*) FROM notes n WHERE n.group_code = g.code)
		FROM groups g
		WHERE g.code = $1
	`, code).Scan(&group.Code, &group.Name, &group.CreatorID, &group.CreatedAt, &group.NoteCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("get group: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name
		FROM group_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.group_code = $1
		ORDER BY m.joined_at ASC, u.name ASC
	`, code)
	if err != nil {
		return Group{}, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return Group{}, fmt.Errorf("scan member: %w", err)
		}
		group.Members = append(group.Members, id)
		group.MemberNames = append(group.MemberNames, name)
	}
	if err := rows.Err(); err != nil {
		return Group{}, fmt.Errorf("iterate members: %w", err)
	}
	return group, nil
}

func (s *PostgresStore) ListGroupsForUser(ctx context.Context, userID string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.code, g.name, g.creator_id, g.created_at,
			(SELECT COUNT(*) FROM notes n WHERE n.group_code = g.code)
		FROM group_members m
		JOIN groups g ON g.code = m.group_code
		WHERE m.user_id = $1
		ORDER BY m.joined_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]Group, 0)
	for rows.Next() {
		var group Group
		if err := rows.Scan(&group.Code, &group.Name, &group.CreatorID, &group.CreatedAt, &group.NoteCount); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

// AddMember reports false when the user was already a member; no system note is
// written in that case.
func (s *PostgresStore) AddMember(ctx context.Context, code, userID, userName string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin add member: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO group_members (group_code, user_id) VALUES ($1, $2)
		ON CONFLICT (group_code, user_id) DO NOTHING
	`, code, userID)
	if pgErrorCode(err) == pgForeignKeyViolation {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("insert membership: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("membership rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := insertSystemNote(ctx, tx, code, JoinedGroupText(userName)); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit add member: %w", err)
	}
	return true, nil
}

// RemoveMember drops the membership. When the last member leaves the group is
// deleted along with its notes and read states.
func (s *PostgresStore) RemoveMember(ctx context.Context, code, userID, userName string) (removed, deleted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("begin remove member: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_code=$1 AND user_id=$2`, code, userID)
	if err != nil {
		return false, false, fmt.Errorf("delete membership: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, false, fmt.Errorf("membership rows: %w", err)
	}
	if affected == 0 {
		return false, false, nil
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM group_members WHERE group_code=$1`, code).Scan(&remaining); err != nil {
		return false, false, fmt.Errorf("count members: %w", err)
	}

	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE code=$1`, code); err != nil {
			return false, false, fmt.Errorf("delete empty group: %w", err)
		}
		deleted = true
	} else if err := insertSystemNote(ctx, tx, code, LeftGroupText(userName)); err != nil {
		return false, false, err
	}

	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("commit remove member: %w", err)
	}
	return true, deleted, nil
}

func insertSystemNote(ctx context.Context, tx *sql.Tx, code, text string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notes (group_code, kind, body) VALUES ($1, 'system', $2)
	`, code, text); err != nil {
		return fmt.Errorf("insert system note: %w", err)
	}
	return nil
}

const noteColumns = `
	n.id, n.kind, COALESCE(n.sender_id, ''), COALESCE(u.name, ''), n.body, n.image_ref, n.created_at
	FROM notes n
	LEFT JOIN users u ON u.id = n.sender_id
`

func (s *PostgresStore) FetchAll(ctx context.Context, code string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+noteColumns+` WHERE n.group_code=$1 ORDER BY n.id ASC`, code)
	if err != nil {
		return nil, fmt.Errorf("fetch notes: %w", err)
	}
	return scanNotes(rows, false)
}

func (s *PostgresStore) FetchLastN(ctx context.Context, code string, n int) ([]Note, error) {
	if n <= 0 {
		return []Note{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+noteColumns+` WHERE n.group_code=$1 ORDER BY n.id DESC LIMIT $2`, code, n)
	if err != nil {
		return nil, fmt.Errorf("fetch last notes: %w", err)
	}
	return scanNotes(rows, true)
}

func (s *PostgresStore) FetchBefore(ctx context.Context, code string, key Key, n int) ([]Note, error) {
	if n <= 0 {
		return []Note{}, nil
	}
	seq, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+noteColumns+` WHERE n.group_code=$1 AND n.id < $2 ORDER BY n.id DESC LIMIT $3`, code, seq, n)
	if err != nil {
		return nil, fmt.Errorf("fetch notes before %s: %w", key, err)
	}
	return scanNotes(rows, true)
}

// scanNotes consumes rows and returns them ascending by key. Set descending when
// the query ordered newest first.
func scanNotes(rows *sql.Rows, descending bool) ([]Note, error) {
	defer rows.Close()

	notes := make([]Note, 0)
	for rows.Next() {
		var (
			note Note
			seq  int64
			kind string
		)
		if err := rows.Scan(&seq, &kind, &note.Sender, &note.SenderName, &note.Text, &note.ImageRef, &note.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		note.Key = FormatKey(seq)
		note.Kind = NoteKind(kind)
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	if descending {
		reverseNotes(notes)
	}
	return notes, nil
}

func reverseNotes(notes []Note) {
	for i, j := 0, len(notes)-1; i < j; i, j = i+1, j-1 {
		notes[i], notes[j] = notes[j], notes[i]
	}
}

func (s *PostgresStore) Append(ctx context.Context, code string, note Note) (Note, error) {
	if !note.Kind.Valid() {
		return Note{}, fmt.Errorf("append note: invalid kind %q", note.Kind)
	}
	var sender any
	if note.Sender != "" {
		sender = note.Sender
	}

	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notes (group_code, kind, sender_id, body, image_ref)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, code, string(note.Kind), sender, note.Text, note.ImageRef).Scan(&seq, &note.CreatedAt)
	if pgErrorCode(err) == pgForeignKeyViolation {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("append note: %w", err)
	}
	note.Key = FormatKey(seq)
	return note, nil
}

func (s *PostgresStore) DeleteByKey(ctx context.Context, code string, key Key) error {
	seq, err := ParseKey(key)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE group_code=$1 AND id=$2`, code, seq)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete note rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountNotes(ctx context.Context, code string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes WHERE group_code=$1`, code).Scan(&count); err != nil {
		return 0, fmt.Errorf("count notes: %w", err)
	}
	return count, nil
}

// ReadStatesFor scopes read-state persistence to one user.
func (s *PostgresStore) ReadStatesFor(userID string) *PostgresReadStates {
	return &PostgresReadStates{db: s.db, userID: userID}
}

// PostgresReadStates persists last-seen counts in read_states. Writes never
// lower a stored value.
type PostgresReadStates struct {
	db     *sql.DB
	userID string
}

func (r *PostgresReadStates) GetLastSeen(ctx context.Context, code string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT last_seen FROM read_states WHERE user_id=$1 AND group_code=$2
	`, r.userID, code).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last seen: %w", err)
	}
	return count, nil
}

func (r *PostgresReadStates) SetLastSeen(ctx context.Context, code string, count int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO read_states (user_id, group_code, last_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, group_code)
		DO UPDATE SET last_seen = GREATEST(read_states.last_seen, EXCLUDED.last_seen), updated_at = NOW()
	`, r.userID, code, count)
	if pgErrorCode(err) == pgForeignKeyViolation {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("set last seen: %w", err)
	}
	return nil
}
