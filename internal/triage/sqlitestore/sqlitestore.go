// Package sqlitestore provides a SQLite implementation of triage.Store for
// single-user deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/hush/internal/triage"
)

// Store persists the ledger and policy in a local SQLite database.
type Store struct {
	db *sqlx.DB
}

var _ triage.Store = (*Store)(nil)

// New opens (or creates) the database at path, enables WAL mode and
// foreign keys, and applies any pending migrations.
func New(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite has a single writer. One connection serializes transactions,
	// which gives Update and ClaimDigest their per-record atomicity, and
	// keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.GetContext(ctx, &v, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order, each in its own transaction.
func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("beginning migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback() //nolint:errcheck // returning the exec error
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const notificationColumns = `id, app, sender, title, body, conversation_hint,
	received_at, verdict, rationale, state, digest_id, updated_at`

type notificationRow struct {
	ID               string `db:"id"`
	App              string `db:"app"`
	Sender           string `db:"sender"`
	Title            string `db:"title"`
	Body             string `db:"body"`
	ConversationHint string `db:"conversation_hint"`
	ReceivedAt       int64  `db:"received_at"`
	Verdict          string `db:"verdict"`
	Rationale        string `db:"rationale"`
	State            string `db:"state"`
	DigestID         string `db:"digest_id"`
	UpdatedAt        int64  `db:"updated_at"`
}

func (r *notificationRow) notification() *triage.Notification {
	return &triage.Notification{
		ID:               r.ID,
		App:              r.App,
		Sender:           r.Sender,
		Title:            r.Title,
		Body:             r.Body,
		ConversationHint: r.ConversationHint,
		ReceivedAt:       fromNanos(r.ReceivedAt),
		Verdict:          triage.Verdict(r.Verdict),
		Rationale:        r.Rationale,
		State:            triage.State(r.State),
		DigestID:         r.DigestID,
		UpdatedAt:        fromNanos(r.UpdatedAt),
	}
}

type feedbackRow struct {
	ID             string         `db:"id"`
	NotificationID string         `db:"notification_id"`
	Seq            int            `db:"seq"`
	Text           string         `db:"text"`
	Action         string         `db:"action"`
	Ref            string         `db:"ref"`
	Proposal       sql.NullString `db:"proposal"`
	CreatedAt      int64          `db:"created_at"`
}

// Insert stores a new notification.
func (s *Store) Insert(ctx context.Context, n *triage.Notification) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications (
			id, app, app_key, sender, sender_key, title, body, conversation_hint,
			received_at, verdict, rationale, state, digest_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.App, triage.Fold(n.App), n.Sender, triage.Fold(n.Sender), n.Title, n.Body, n.ConversationHint,
		toNanos(n.ReceivedAt), string(n.Verdict), n.Rationale, string(n.State), n.DigestID, toNanos(n.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting notification %s: %w", n.ID, err)
	}
	if err := insertFeedback(ctx, tx, n.ID, 0, n.Feedback); err != nil {
		return err
	}
	return tx.Commit()
}

// Get retrieves a notification by id.
func (s *Store) Get(ctx context.Context, id string) (*triage.Notification, bool, error) {
	n, err := getNotification(ctx, s.db, id)
	if err != nil {
		return nil, false, err
	}
	return n, n != nil, nil
}

// List returns notifications matching f, most recent first.
func (s *Store) List(ctx context.Context, f triage.Filter) ([]*triage.Notification, error) {
	var (
		conditions []string
		args       []any
	)
	if f.App != "" {
		conditions = append(conditions, "app_key = ?")
		args = append(args, triage.Fold(f.App))
	}
	if f.Sender != "" {
		conditions = append(conditions, "sender_key = ?")
		args = append(args, triage.Fold(f.Sender))
	}
	if f.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Verdict != "" {
		conditions = append(conditions, "verdict = ?")
		args = append(args, string(f.Verdict))
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "received_at >= ?")
		args = append(args, toNanos(f.Since))
	}
	if !f.Until.IsZero() {
		conditions = append(conditions, "received_at < ?")
		args = append(args, toNanos(f.Until))
	}
	switch f.View {
	case triage.ViewPending:
		conditions = append(conditions, "state = 'pending'")
	case triage.ViewExpired:
		conditions = append(conditions, "(state = 'expired' OR (state = 'pending' AND received_at < ?))")
		args = append(args, toNanos(f.StaleBefore))
	}

	query := "SELECT " + notificationColumns + " FROM notifications"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY received_at DESC, id DESC"
	if f.Limit > 0 || f.Offset > 0 {
		limit := -1
		if f.Limit > 0 {
			limit = f.Limit
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, f.Offset)
	}

	return selectNotifications(ctx, s.db, query, args...)
}

// Update applies fn to the stored notification inside a transaction.
// Feedback entries appended by fn are inserted; existing ones are never
// rewritten.
func (s *Store) Update(ctx context.Context, id string, fn triage.UpdateFunc) (*triage.Notification, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	n, err := getNotification(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if n == nil {
		return nil, false, nil
	}
	before := len(n.Feedback)
	if err := fn(n); err != nil {
		return nil, true, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE notifications
		SET verdict = ?, rationale = ?, state = ?, digest_id = ?, updated_at = ?
		WHERE id = ?`,
		string(n.Verdict), n.Rationale, string(n.State), n.DigestID, toNanos(n.UpdatedAt), id,
	)
	if err != nil {
		return nil, true, fmt.Errorf("updating notification %s: %w", id, err)
	}
	if len(n.Feedback) > before {
		if err := insertFeedback(ctx, tx, id, before, n.Feedback[before:]); err != nil {
			return nil, true, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, true, fmt.Errorf("committing update %s: %w", id, err)
	}
	return n, true, nil
}

// ClaimDigest archives every pending digest entry received at or after
// c.Since and returns them, in one transaction.
func (s *Store) ClaimDigest(ctx context.Context, c triage.DigestClaim) ([]*triage.Notification, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	_, err = tx.ExecContext(ctx, `
		UPDATE notifications
		SET state = 'archived', digest_id = ?, updated_at = ?
		WHERE state = 'pending' AND verdict = 'digest' AND received_at >= ?`,
		c.DigestID, toNanos(c.At), sinceNanos(c.Since),
	)
	if err != nil {
		return nil, fmt.Errorf("claiming digest %s: %w", c.DigestID, err)
	}

	out, err := selectNotifications(ctx, tx,
		"SELECT "+notificationColumns+" FROM notifications WHERE digest_id = ? ORDER BY received_at DESC, id DESC",
		c.DigestID,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing digest %s: %w", c.DigestID, err)
	}
	return out, nil
}

// Expire marks pending entries received before cutoff as expired.
func (s *Store) Expire(ctx context.Context, cutoff, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET state = 'expired', updated_at = ? WHERE state = 'pending' AND received_at < ?",
		toNanos(at), toNanos(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("expiring notifications: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Purge deletes archived and expired entries received before cutoff. Their
// feedback is removed by the foreign key cascade.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM notifications WHERE state IN ('archived', 'expired') AND received_at < ?",
		toNanos(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("purging notifications: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Stats aggregates notifications received at or after since.
func (s *Store) Stats(ctx context.Context, since time.Time) (*triage.Stats, error) {
	st := triage.NewStats()
	st.Since = since
	from := sinceNanos(since)

	var groups []struct {
		Verdict string `db:"verdict"`
		State   string `db:"state"`
		N       int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &groups, `
		SELECT verdict, state, COUNT(*) AS n FROM notifications
		WHERE received_at >= ? GROUP BY verdict, state`, from)
	if err != nil {
		return nil, fmt.Errorf("counting notifications: %w", err)
	}
	for _, g := range groups {
		st.Total += g.N
		st.ByVerdict[triage.Verdict(g.Verdict)] += g.N
		st.ByState[triage.State(g.State)] += g.N
	}

	var apps []struct {
		App string `db:"app"`
		N   int    `db:"n"`
	}
	err = s.db.SelectContext(ctx, &apps, `
		SELECT MIN(app) AS app, COUNT(*) AS n FROM notifications
		WHERE received_at >= ? GROUP BY app_key`, from)
	if err != nil {
		return nil, fmt.Errorf("counting by app: %w", err)
	}
	for _, a := range apps {
		st.ByApp[a.App] = a.N
	}

	var senders []struct {
		Sender string `db:"sender"`
		N      int    `db:"n"`
	}
	err = s.db.SelectContext(ctx, &senders, `
		SELECT MIN(sender) AS sender, COUNT(*) AS n FROM notifications
		WHERE received_at >= ? AND sender_key <> ''
		GROUP BY sender_key ORDER BY n DESC, sender LIMIT 10`, from)
	if err != nil {
		return nil, fmt.Errorf("counting by sender: %w", err)
	}
	st.TopSenders = make([]triage.SenderCount, 0, len(senders))
	for _, sc := range senders {
		st.TopSenders = append(st.TopSenders, triage.SenderCount{Sender: sc.Sender, Count: sc.N})
	}

	var pending struct {
		N      int   `db:"n"`
		Oldest int64 `db:"oldest"`
	}
	err = s.db.GetContext(ctx, &pending, `
		SELECT COUNT(*) AS n, COALESCE(MIN(received_at), 0) AS oldest FROM notifications
		WHERE received_at >= ? AND state = 'pending'`, from)
	if err != nil {
		return nil, fmt.Errorf("counting pending: %w", err)
	}
	st.Pending = pending.N
	if pending.N > 0 {
		st.OldestPending = fromNanos(pending.Oldest)
	}
	return st, nil
}

func getNotification(ctx context.Context, q sqlx.QueryerContext, id string) (*triage.Notification, error) {
	var row notificationRow
	err := sqlx.GetContext(ctx, q, &row, "SELECT "+notificationColumns+" FROM notifications WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting notification %s: %w", id, err)
	}
	n := row.notification()
	fb, err := loadFeedback(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	n.Feedback = fb[id]
	return n, nil
}

func selectNotifications(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) ([]*triage.Notification, error) {
	var rows []notificationRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	out := make([]*triage.Notification, len(rows))
	ids := make([]string, len(rows))
	for i := range rows {
		out[i] = rows[i].notification()
		ids[i] = rows[i].ID
	}
	fb, err := loadFeedback(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for _, n := range out {
		n.Feedback = fb[n.ID]
	}
	return out, nil
}

// loadFeedback returns the feedback of each id, oldest first.
func loadFeedback(ctx context.Context, q sqlx.QueryerContext, ids []string) (map[string][]triage.Feedback, error) {
	out := make(map[string][]triage.Feedback)
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, notification_id, seq, text, action, ref, proposal, created_at
		FROM feedback WHERE notification_id IN (?) ORDER BY notification_id, seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("building feedback query: %w", err)
	}
	var rows []feedbackRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}
	for _, r := range rows {
		f := triage.Feedback{
			ID:        r.ID,
			Text:      r.Text,
			Action:    r.Action,
			Ref:       r.Ref,
			CreatedAt: fromNanos(r.CreatedAt),
		}
		if r.Proposal.Valid && r.Proposal.String != "" {
			var op triage.PolicyOp
			if err := json.Unmarshal([]byte(r.Proposal.String), &op); err != nil {
				return nil, fmt.Errorf("unmarshaling proposal in feedback %s: %w", r.ID, err)
			}
			f.Proposal = &op
		}
		out[r.NotificationID] = append(out[r.NotificationID], f)
	}
	return out, nil
}

func insertFeedback(ctx context.Context, tx *sqlx.Tx, notificationID string, firstSeq int, entries []triage.Feedback) error {
	for i, f := range entries {
		var proposal sql.NullString
		if f.Proposal != nil {
			b, err := json.Marshal(f.Proposal)
			if err != nil {
				return fmt.Errorf("marshaling proposal: %w", err)
			}
			proposal = sql.NullString{String: string(b), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO feedback (id, notification_id, seq, text, action, ref, proposal, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, notificationID, firstSeq+i, f.Text, f.Action, f.Ref, proposal, toNanos(f.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting feedback %s: %w", f.ID, err)
		}
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// sinceNanos maps a zero lower bound to "everything".
func sinceNanos(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UnixNano()
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
