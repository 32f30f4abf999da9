// Package sqlstore implements store.Store on PostgreSQL or SQLite through
// sqlx. Queries are written with ? placeholders and rebound per dialect.
//
// Pairing never takes explicit row locks. Both sides are claimed with
// conditional updates (WHERE chat_partner IS NULL), issued lower id first so
// concurrent transactions on PostgreSQL queue on the same row instead of
// deadlocking; a zero row count rolls the whole attempt back.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/whisper/pairbot/internal/model"
	"github.com/whisper/pairbot/internal/store"
)

// Supported dialects, matching the database/sql driver names.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Store is a SQL-backed store.Store.
type Store struct {
	db      *sqlx.DB
	dialect string
}

var _ store.Store = (*Store)(nil)

// SQLiteDSN builds a modernc DSN for a database file with a busy timeout.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Open connects to the database, applies pending migrations and returns the store.
func Open(ctx context.Context, dialect, dsn string) (*Store, error) {
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("sqlstore: unsupported dialect %q", dialect)
	}

	db, err := sqlx.ConnectContext(ctx, dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite allows one writer; a single connection turns every
		// transaction into a serialization point.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations/"+s.dialect)
	if err != nil {
		return fmt.Errorf("sqlstore: migration source: %w", err)
	}

	var drv database.Driver
	switch s.dialect {
	case DialectPostgres:
		drv, err = postgres.WithInstance(s.db.DB, &postgres.Config{})
	default:
		drv, err = sqlite.WithInstance(s.db.DB, &sqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("sqlstore: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.dialect, drv)
	if err != nil {
		return fmt.Errorf("sqlstore: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlstore: migrate up: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

func (s *Store) q(query string) string { return s.db.Rebind(query) }

// withTx runs fn in a transaction and commits if it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer func() {
		// Returns sql.ErrTxDone after a successful commit.
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

const userColumns = `user_id, username, first_name, last_name, gender, age, country,
	agreed_terms, profile_completed, is_blocked, is_vip, vip_until, referred_by,
	referral_count, partner_filter, chat_partner, looking_for_chat, created_at`

type userRow struct {
	ID               int64         `db:"user_id"`
	Username         string        `db:"username"`
	FirstName        string        `db:"first_name"`
	LastName         string        `db:"last_name"`
	Gender           string        `db:"gender"`
	Age              int           `db:"age"`
	Country          string        `db:"country"`
	AgreedTerms      bool          `db:"agreed_terms"`
	ProfileCompleted bool          `db:"profile_completed"`
	IsBlocked        bool          `db:"is_blocked"`
	IsVip            bool          `db:"is_vip"`
	VipUntil         sql.NullInt64 `db:"vip_until"`
	ReferredBy       sql.NullInt64 `db:"referred_by"`
	ReferralCount    int           `db:"referral_count"`
	PartnerFilter    string        `db:"partner_filter"`
	ChatPartner      sql.NullInt64 `db:"chat_partner"`
	LookingForChat   bool          `db:"looking_for_chat"`
	CreatedAt        int64         `db:"created_at"`
}

func (r userRow) toModel() *model.User {
	u := &model.User{
		ID:               r.ID,
		Username:         r.Username,
		FirstName:        r.FirstName,
		LastName:         r.LastName,
		Gender:           model.Gender(r.Gender),
		Age:              r.Age,
		Country:          r.Country,
		AgreedTerms:      r.AgreedTerms,
		ProfileCompleted: r.ProfileCompleted,
		IsBlocked:        r.IsBlocked,
		IsVip:            r.IsVip,
		ReferredBy:       r.ReferredBy.Int64,
		ReferralCount:    r.ReferralCount,
		PartnerFilter:    model.Gender(r.PartnerFilter),
		ChatPartner:      r.ChatPartner.Int64,
		LookingForChat:   r.LookingForChat,
		CreatedAt:        time.Unix(r.CreatedAt, 0).UTC(),
	}
	if r.VipUntil.Valid {
		t := time.Unix(r.VipUntil.Int64, 0).UTC()
		u.VipUntil = &t
	}
	return u
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+userColumns+` FROM users WHERE user_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlstore: user %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get user %d: %w", id, err)
	}
	return row.toModel(), nil
}

func (s *Store) CreateUser(ctx context.Context, u model.User) (bool, error) {
	var vipUntil sql.NullInt64
	if u.VipUntil != nil {
		vipUntil = sql.NullInt64{Int64: u.VipUntil.Unix(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`),
		u.ID, u.Username, u.FirstName, u.LastName, string(u.Gender), u.Age, u.Country,
		u.AgreedTerms, u.ProfileCompleted, u.IsBlocked, u.IsVip, vipUntil, nullID(u.ReferredBy),
		u.ReferralCount, string(u.PartnerFilter), nullID(u.ChatPartner), u.LookingForChat, u.CreatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("sqlstore: create user %d: %w", u.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: create user %d: %w", u.ID, err)
	}
	return n == 1, nil
}

// updateUser runs a single-row update and maps zero affected rows to ErrNotFound.
func (s *Store) updateUser(ctx context.Context, op string, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("sqlstore: %s %d: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: %s %d: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlstore: %s %d: %w", op, id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, id int64) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM users WHERE user_id = ?`), id); err != nil {
		return false, fmt.Errorf("sqlstore: exists %d: %w", id, err)
	}
	return n > 0, nil
}

func (s *Store) SaveProfile(ctx context.Context, id int64, p model.Profile) error {
	return s.updateUser(ctx, "save profile", id,
		`UPDATE users SET gender = ?, age = ?, country = ?, profile_completed = ? WHERE user_id = ?`,
		string(p.Gender), p.Age, p.Country, true, id)
}

func (s *Store) SetAgreedTerms(ctx context.Context, id int64, agreed bool) error {
	return s.updateUser(ctx, "set agreed terms", id,
		`UPDATE users SET agreed_terms = ? WHERE user_id = ?`, agreed, id)
}

func (s *Store) SetBlocked(ctx context.Context, id int64, blocked bool) error {
	return s.updateUser(ctx, "set blocked", id,
		`UPDATE users SET is_blocked = ? WHERE user_id = ?`, blocked, id)
}

func (s *Store) SetPartnerFilter(ctx context.Context, id int64, g model.Gender) error {
	return s.updateUser(ctx, "set partner filter", id,
		`UPDATE users SET partner_filter = ? WHERE user_id = ?`, string(g), id)
}

func (s *Store) SetVip(ctx context.Context, id int64, until time.Time) error {
	return s.updateUser(ctx, "set vip", id,
		`UPDATE users SET is_vip = ?, vip_until = ? WHERE user_id = ?`, true, until.Unix(), id)
}

func (s *Store) IncrementReferrals(ctx context.Context, id int64) error {
	return s.updateUser(ctx, "increment referrals", id,
		`UPDATE users SET referral_count = referral_count + 1 WHERE user_id = ?`, id)
}

const expiredVip = `is_vip = ? AND (vip_until IS NULL OR vip_until <= ?)`

func (s *Store) ExpireVip(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET is_vip = ? WHERE user_id = ? AND `+expiredVip),
		false, id, true, now.Unix())
	if err != nil {
		return false, fmt.Errorf("sqlstore: expire vip %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: expire vip %d: %w", id, err)
	}
	if n == 1 {
		return true, nil
	}
	ok, err := s.exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("sqlstore: expire vip %d: %w", id, store.ErrNotFound)
	}
	return false, nil
}

func (s *Store) ExpireAllVip(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET is_vip = ? WHERE `+expiredVip), false, true, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlstore: expire all vip: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) SetLooking(ctx context.Context, id int64, looking bool) (bool, error) {
	if !looking {
		err := s.updateUser(ctx, "clear looking", id,
			`UPDATE users SET looking_for_chat = ? WHERE user_id = ?`, false, id)
		return err == nil, err
	}

	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE users SET looking_for_chat = ? WHERE user_id = ? AND chat_partner IS NULL`), true, id)
	if err != nil {
		return false, fmt.Errorf("sqlstore: set looking %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: set looking %d: %w", id, err)
	}
	if n == 1 {
		return true, nil
	}
	ok, err := s.exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("sqlstore: set looking %d: %w", id, store.ErrNotFound)
	}
	return false, nil
}

// seekable is the candidate predicate shared by Candidates and Pair.
const seekable = `chat_partner IS NULL AND looking_for_chat = ? AND is_blocked = ?
	AND profile_completed = ? AND agreed_terms = ?`

func seekableArgs() []any { return []any{true, false, true, true} }

func (s *Store) Candidates(ctx context.Context, requester int64, g model.Gender, limit int) ([]int64, error) {
	query := `SELECT user_id FROM users WHERE user_id <> ? AND ` + seekable
	args := append([]any{requester}, seekableArgs()...)
	if g != model.GenderUnset {
		query += ` AND gender = ?`
		args = append(args, string(g))
	}
	query += ` ORDER BY RANDOM()`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("sqlstore: candidates for %d: %w", requester, err)
	}
	return ids, nil
}

func (s *Store) Pair(ctx context.Context, requester, candidate int64, g model.Gender, sessionID string, now time.Time) (store.PairOutcome, error) {
	if requester == candidate {
		return store.PairAlreadyTaken, nil
	}

	claimRequester := func(tx *sqlx.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE users SET chat_partner = ?, looking_for_chat = ? WHERE user_id = ? AND chat_partner IS NULL AND is_blocked = ?`),
			candidate, false, requester, false)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	claimCandidate := func(tx *sqlx.Tx) (int64, error) {
		query := `UPDATE users SET chat_partner = ?, looking_for_chat = ? WHERE user_id = ? AND ` + seekable
		args := append([]any{requester, false, candidate}, seekableArgs()...)
		if g != model.GenderUnset {
			query += ` AND gender = ?`
			args = append(args, string(g))
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}

	claims := []func(*sqlx.Tx) (int64, error){claimRequester, claimCandidate}
	if candidate < requester {
		claims[0], claims[1] = claims[1], claims[0]
	}

	outcome := store.PairPaired
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, claim := range claims {
			n, err := claim(tx)
			if err != nil {
				return fmt.Errorf("sqlstore: pair %d<->%d: %w", requester, candidate, err)
			}
			if n == 1 {
				continue
			}
			var found int
			if err := tx.GetContext(ctx, &found, tx.Rebind(
				`SELECT COUNT(*) FROM users WHERE user_id IN (?, ?)`), requester, candidate); err != nil {
				return fmt.Errorf("sqlstore: pair %d<->%d: %w", requester, candidate, err)
			}
			outcome = store.PairAlreadyTaken
			if found < 2 {
				outcome = store.PairNotFound
			}
			return errAbort
		}

		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO chat_sessions (id, user1_id, user2_id, started_at, is_active)
			VALUES (?, ?, ?, ?, ?)`), sessionID, requester, candidate, now.Unix(), true)
		if err != nil {
			return fmt.Errorf("sqlstore: insert session: %w", err)
		}
		return nil
	})
	if errors.Is(err, errAbort) {
		return outcome, nil
	}
	if err != nil {
		return store.PairAlreadyTaken, err
	}
	return store.PairPaired, nil
}

// errAbort rolls a transaction back without reporting a failure.
var errAbort = errors.New("sqlstore: abort")

func (s *Store) EndSession(ctx context.Context, id int64, now time.Time) (int64, error) {
	var (
		partner      int64
		inconsistent bool
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		// The row lock makes a concurrent Pair on this user wait for the
		// delete. SQLite serializes writers on its single connection.
		query := `SELECT chat_partner FROM users WHERE user_id = ?`
		if s.dialect == DialectPostgres {
			query += ` FOR UPDATE`
		}
		var current sql.NullInt64
		err := tx.GetContext(ctx, &current, tx.Rebind(query), id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlstore: end session %d: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("sqlstore: end session %d: %w", id, err)
		}
		if !current.Valid {
			return store.ErrNotInSession
		}
		partner = current.Int64

		cleared, err := s.endTx(ctx, tx, id, partner, now)
		if err != nil {
			return err
		}
		if !cleared[id] {
			// Someone else ended or replaced the session since the read.
			return store.ErrNotInSession
		}
		inconsistent = !cleared[partner]
		return nil
	})
	if err != nil {
		return 0, err
	}
	if inconsistent {
		return partner, fmt.Errorf("sqlstore: end session %d<->%d: %w", id, partner, store.ErrInconsistent)
	}
	return partner, nil
}

// endTx clears both pointers (lower id first) and closes the session rows.
// It reports which side actually pointed at the other.
func (s *Store) endTx(ctx context.Context, tx *sqlx.Tx, id, partner int64, now time.Time) (map[int64]bool, error) {
	pairs := [][2]int64{{id, partner}, {partner, id}}
	if partner < id {
		pairs[0], pairs[1] = pairs[1], pairs[0]
	}

	cleared := make(map[int64]bool, 2)
	for _, p := range pairs {
		res, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE users SET chat_partner = NULL, looking_for_chat = ? WHERE user_id = ? AND chat_partner = ?`),
			false, p[0], p[1])
		if err != nil {
			return nil, fmt.Errorf("sqlstore: clear partner %d: %w", p[0], err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: clear partner %d: %w", p[0], err)
		}
		cleared[p[0]] = n == 1
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE chat_sessions SET is_active = ?, ended_at = ?
		WHERE is_active = ? AND (user1_id IN (?, ?) OR user2_id IN (?, ?))`),
		false, now.Unix(), true, id, partner, id, partner)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: close session %d: %w", id, err)
	}
	return cleared, nil
}

type sessionRow struct {
	ID        string        `db:"id"`
	User1     int64         `db:"user1_id"`
	User2     int64         `db:"user2_id"`
	StartedAt int64         `db:"started_at"`
	EndedAt   sql.NullInt64 `db:"ended_at"`
	Active    bool          `db:"is_active"`
}

func (s *Store) ActiveSession(ctx context.Context, id int64) (*model.ChatSession, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT id, user1_id, user2_id, started_at, ended_at, is_active
		FROM chat_sessions
		WHERE is_active = ? AND (user1_id = ? OR user2_id = ?)
		ORDER BY started_at DESC
		LIMIT 1`), true, id, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlstore: active session of %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: active session of %d: %w", id, err)
	}

	sess := &model.ChatSession{
		ID:        row.ID,
		UserA:     row.User1,
		UserB:     row.User2,
		StartedAt: time.Unix(row.StartedAt, 0).UTC(),
		Active:    row.Active,
	}
	if row.EndedAt.Valid {
		t := time.Unix(row.EndedAt.Int64, 0).UTC()
		sess.EndedAt = &t
	}
	return sess, nil
}

func (s *Store) DeleteUser(ctx context.Context, id int64, now time.Time) (int64, error) {
	var partner int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current sql.NullInt64
		err := tx.GetContext(ctx, &current, tx.Rebind(`SELECT chat_partner FROM users WHERE user_id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlstore: delete user %d: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("sqlstore: delete user %d: %w", id, err)
		}

		if current.Valid {
			partner = current.Int64
			if _, err := s.endTx(ctx, tx, id, partner, now); err != nil {
				return err
			}
		}

		stmts := []string{
			`UPDATE users SET referred_by = NULL WHERE referred_by = ?`,
			`DELETE FROM admins WHERE user_id = ?`,
			`DELETE FROM users WHERE user_id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), id); err != nil {
				return fmt.Errorf("sqlstore: delete user %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return partner, nil
}

type groupRow struct {
	GroupID int64  `db:"group_id"`
	Link    string `db:"link"`
	AddedBy int64  `db:"added_by"`
	AddedAt int64  `db:"added_at"`
}

func (s *Store) RequiredGroups(ctx context.Context) ([]model.RequiredGroup, error) {
	var rows []groupRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT group_id, link, added_by, added_at FROM required_groups ORDER BY added_at, group_id`); err != nil {
		return nil, fmt.Errorf("sqlstore: required groups: %w", err)
	}
	groups := make([]model.RequiredGroup, 0, len(rows))
	for _, r := range rows {
		groups = append(groups, model.RequiredGroup{
			GroupID: r.GroupID,
			Link:    r.Link,
			AddedBy: r.AddedBy,
			AddedAt: time.Unix(r.AddedAt, 0).UTC(),
		})
	}
	return groups, nil
}

func (s *Store) AddRequiredGroup(ctx context.Context, g model.RequiredGroup) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO required_groups (group_id, link, added_by, added_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (group_id) DO UPDATE SET link = excluded.link, added_by = excluded.added_by`),
		g.GroupID, g.Link, g.AddedBy, g.AddedAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlstore: add group %d: %w", g.GroupID, err)
	}
	return nil
}

func (s *Store) RemoveRequiredGroup(ctx context.Context, groupID int64) error {
	return s.deleteOne(ctx, "remove group", groupID, `DELETE FROM required_groups WHERE group_id = ?`)
}

func (s *Store) deleteOne(ctx context.Context, op string, id int64, query string) error {
	res, err := s.db.ExecContext(ctx, s.q(query), id)
	if err != nil {
		return fmt.Errorf("sqlstore: %s %d: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: %s %d: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlstore: %s %d: %w", op, id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) IsAdmin(ctx context.Context, id int64) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM admins WHERE user_id = ?`), id); err != nil {
		return false, fmt.Errorf("sqlstore: is admin %d: %w", id, err)
	}
	return n > 0, nil
}

func (s *Store) AddAdmin(ctx context.Context, a model.Admin) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO admins (user_id, promoted_by, promoted_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET promoted_by = excluded.promoted_by, promoted_at = excluded.promoted_at`),
		a.UserID, a.PromotedBy, a.PromotedAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlstore: add admin %d: %w", a.UserID, err)
	}
	return nil
}

func (s *Store) RemoveAdmin(ctx context.Context, id int64) error {
	return s.deleteOne(ctx, "remove admin", id, `DELETE FROM admins WHERE user_id = ?`)
}

func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	var rows []struct {
		UserID     int64 `db:"user_id"`
		PromotedBy int64 `db:"promoted_by"`
		PromotedAt int64 `db:"promoted_at"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT user_id, promoted_by, promoted_at FROM admins ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("sqlstore: list admins: %w", err)
	}
	admins := make([]model.Admin, 0, len(rows))
	for _, r := range rows {
		admins = append(admins, model.Admin{
			UserID:     r.UserID,
			PromotedBy: r.PromotedBy,
			PromotedAt: time.Unix(r.PromotedAt, 0).UTC(),
		})
	}
	return admins, nil
}

func (s *Store) LogMessage(ctx context.Context, m model.MessageLog) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO message_logs (sender_id, receiver_id, kind, content, sent_at) VALUES (?, ?, ?, ?, ?)`),
		m.SenderID, m.ReceiverID, m.Kind, m.Content, m.SentAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlstore: log message: %w", err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context, now time.Time) (model.Stats, error) {
	var st model.Stats
	counts := []struct {
		dst   *int64
		query string
		args  []any
	}{
		{&st.TotalUsers, `SELECT COUNT(*) FROM users`, nil},
		{&st.ActiveChats, `SELECT COUNT(*) FROM chat_sessions WHERE is_active = ?`, []any{true}},
		{&st.Seeking, `SELECT COUNT(*) FROM users WHERE looking_for_chat = ? AND chat_partner IS NULL`, []any{true}},
		{&st.TotalMessages, `SELECT COUNT(*) FROM message_logs`, nil},
		{&st.VipUsers, `SELECT COUNT(*) FROM users WHERE is_vip = ? AND vip_until > ?`, []any{true, now.Unix()}},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dst, s.q(c.query), c.args...); err != nil {
			return model.Stats{}, fmt.Errorf("sqlstore: stats: %w", err)
		}
	}
	return st, nil
}
