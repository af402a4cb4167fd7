// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/hush/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/hush/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists the ledger and policy in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ triage.Store = (*Store)(nil)

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// queryer is satisfied by both the pool and a transaction.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const notificationColumns = `id, app, sender, title, body, conversation_hint,
	received_at, verdict, rationale, state, digest_id, updated_at`

// recentFirst orders ids bytewise so ties on received_at sort the same way
// under every collation.
const recentFirst = ` ORDER BY received_at DESC, id COLLATE "C" DESC`

// Insert stores a new notification and any feedback it already carries.
func (s *Store) Insert(ctx context.Context, n *triage.Notification) error {
	ctx, span := startSpan(ctx, "Insert", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx, `INSERT INTO notifications (
		id, app, app_key, sender, sender_key, title, body, conversation_hint,
		received_at, verdict, rationale, state, digest_id, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		n.ID, n.App, triage.Fold(n.App), n.Sender, triage.Fold(n.Sender), n.Title, n.Body, n.ConversationHint,
		n.ReceivedAt, string(n.Verdict), n.Rationale, string(n.State), n.DigestID, n.UpdatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert notification %s: %w", n.ID, err))
	}
	if err := insertFeedback(ctx, tx, n.ID, 0, n.Feedback); err != nil {
		return fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Get retrieves a notification by id.
func (s *Store) Get(ctx context.Context, id string) (*triage.Notification, bool, error) {
	ctx, span := startSpan(ctx, "Get", "SELECT")
	defer span.End()

	n, err := getNotification(ctx, s.pool, id, false)
	if err != nil {
		return nil, false, fail(span, err)
	}
	return n, n != nil, nil
}

// List returns notifications matching f, most recent first.
func (s *Store) List(ctx context.Context, f triage.Filter) ([]*triage.Notification, error) {
	ctx, span := startSpan(ctx, "List", "SELECT")
	defer span.End()

	var (
		conditions []string
		args       []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.App != "" {
		conditions = append(conditions, "app_key = "+arg(triage.Fold(f.App)))
	}
	if f.Sender != "" {
		conditions = append(conditions, "sender_key = "+arg(triage.Fold(f.Sender)))
	}
	if f.State != "" {
		conditions = append(conditions, "state = "+arg(string(f.State)))
	}
	if f.Verdict != "" {
		conditions = append(conditions, "verdict = "+arg(string(f.Verdict)))
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "received_at >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		conditions = append(conditions, "received_at < "+arg(f.Until))
	}
	switch f.View {
	case triage.ViewPending:
		conditions = append(conditions, "state = 'pending'")
	case triage.ViewExpired:
		conditions = append(conditions, "(state = 'expired' OR (state = 'pending' AND received_at < "+arg(f.StaleBefore)+"))")
	}

	query := "SELECT " + notificationColumns + " FROM notifications"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += recentFirst
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	out, err := selectNotifications(ctx, s.pool, query, args...)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// Update locks the row, applies fn and writes the result. Only feedback
// appended by fn is inserted.
func (s *Store) Update(ctx context.Context, id string, fn triage.UpdateFunc) (*triage.Notification, bool, error) {
	ctx, span := startSpan(ctx, "Update", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	n, err := getNotification(ctx, tx, id, true)
	if err != nil {
		return nil, false, fail(span, err)
	}
	if n == nil {
		return nil, false, nil
	}
	before := len(n.Feedback)
	if err := fn(n); err != nil {
		return nil, true, err
	}

	_, err = tx.Exec(ctx, `UPDATE notifications
		SET verdict = $1, rationale = $2, state = $3, digest_id = $4, updated_at = $5
		WHERE id = $6`,
		string(n.Verdict), n.Rationale, string(n.State), n.DigestID, n.UpdatedAt, id,
	)
	if err != nil {
		return nil, true, fail(span, fmt.Errorf("update notification %s: %w", id, err))
	}
	if len(n.Feedback) > before {
		if err := insertFeedback(ctx, tx, id, before, n.Feedback[before:]); err != nil {
			return nil, true, fail(span, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, true, fail(span, fmt.Errorf("commit: %w", err))
	}
	return n, true, nil
}

// ClaimDigest archives every pending digest entry received at or after
// c.Since and returns them. Concurrent claims never return the same row:
// the second UPDATE re-checks state after the first commits.
func (s *Store) ClaimDigest(ctx context.Context, c triage.DigestClaim) ([]*triage.Notification, error) {
	ctx, span := startSpan(ctx, "ClaimDigest", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	query := `UPDATE notifications SET state = 'archived', digest_id = $1, updated_at = $2
		WHERE state = 'pending' AND verdict = 'digest'`
	args := []any{c.DigestID, c.At}
	if !c.Since.IsZero() {
		query += " AND received_at >= $3"
		args = append(args, c.Since)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return nil, fail(span, fmt.Errorf("claim digest %s: %w", c.DigestID, err))
	}

	out, err := selectNotifications(ctx, tx,
		"SELECT "+notificationColumns+" FROM notifications WHERE digest_id = $1"+recentFirst, c.DigestID)
	if err != nil {
		return nil, fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// Expire marks pending entries received before cutoff as expired.
func (s *Store) Expire(ctx context.Context, cutoff, at time.Time) (int, error) {
	ctx, span := startSpan(ctx, "Expire", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		"UPDATE notifications SET state = 'expired', updated_at = $1 WHERE state = 'pending' AND received_at < $2",
		at, cutoff)
	if err != nil {
		return 0, fail(span, fmt.Errorf("expire: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// Purge deletes archived and expired entries received before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := startSpan(ctx, "Purge", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		"DELETE FROM notifications WHERE state IN ('archived', 'expired') AND received_at < $1", cutoff)
	if err != nil {
		return 0, fail(span, fmt.Errorf("purge: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// Stats aggregates notifications received at or after since.
func (s *Store) Stats(ctx context.Context, since time.Time) (*triage.Stats, error) {
	ctx, span := startSpan(ctx, "Stats", "SELECT")
	defer span.End()

	st := triage.NewStats()
	st.Since = since
	var from *time.Time
	if !since.IsZero() {
		from = &since
	}
	const window = "($1::timestamptz IS NULL OR received_at >= $1)"

	rows, err := s.pool.Query(ctx,
		"SELECT verdict, state, COUNT(*) FROM notifications WHERE "+window+" GROUP BY verdict, state", from)
	if err != nil {
		return nil, fail(span, fmt.Errorf("count notifications: %w", err))
	}
	var verdict, state string
	var n int
	_, err = pgx.ForEachRow(rows, []any{&verdict, &state, &n}, func() error {
		st.Total += n
		st.ByVerdict[triage.Verdict(verdict)] += n
		st.ByState[triage.State(state)] += n
		return nil
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("count notifications: %w", err))
	}

	var app string
	rows, err = s.pool.Query(ctx,
		"SELECT MIN(app), COUNT(*) FROM notifications WHERE "+window+" GROUP BY app_key", from)
	if err != nil {
		return nil, fail(span, fmt.Errorf("count by app: %w", err))
	}
	_, err = pgx.ForEachRow(rows, []any{&app, &n}, func() error {
		st.ByApp[app] = n
		return nil
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("count by app: %w", err))
	}

	var sender string
	rows, err = s.pool.Query(ctx, `SELECT MIN(sender) AS s, COUNT(*) AS n FROM notifications
		WHERE `+window+` AND sender_key <> ''
		GROUP BY sender_key ORDER BY n DESC, s COLLATE "C" LIMIT 10`, from)
	if err != nil {
		return nil, fail(span, fmt.Errorf("count by sender: %w", err))
	}
	st.TopSenders = make([]triage.SenderCount, 0, 10)
	_, err = pgx.ForEachRow(rows, []any{&sender, &n}, func() error {
		st.TopSenders = append(st.TopSenders, triage.SenderCount{Sender: sender, Count: n})
		return nil
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("count by sender: %w", err))
	}

	var oldest *time.Time
	err = s.pool.QueryRow(ctx,
		"SELECT COUNT(*), MIN(received_at) FROM notifications WHERE "+window+" AND state = 'pending'", from,
	).Scan(&st.Pending, &oldest)
	if err != nil {
		return nil, fail(span, fmt.Errorf("count pending: %w", err))
	}
	if oldest != nil {
		st.OldestPending = oldest.UTC()
	}
	return st, nil
}

func getNotification(ctx context.Context, q queryer, id string, forUpdate bool) (*triage.Notification, error) {
	query := "SELECT " + notificationColumns + " FROM notifications WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	n, err := scanNotification(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get notification %s: %w", id, err)
	}
	fb, err := loadFeedback(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	n.Feedback = fb[id]
	return n, nil
}

func selectNotifications(ctx context.Context, q queryer, query string, args ...any) ([]*triage.Notification, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*triage.Notification, error) {
		return scanNotification(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan notifications: %w", err)
	}

	ids := make([]string, len(out))
	for i, n := range out {
		ids[i] = n.ID
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

// scanNotification scans one row of notificationColumns. The error is
// pgx.ErrNoRows when the row is missing.
func scanNotification(row pgx.Row) (*triage.Notification, error) {
	var (
		n                     triage.Notification
		verdict, state        string
		receivedAt, updatedAt time.Time
	)
	err := row.Scan(
		&n.ID, &n.App, &n.Sender, &n.Title, &n.Body, &n.ConversationHint,
		&receivedAt, &verdict, &n.Rationale, &state, &n.DigestID, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Verdict = triage.Verdict(verdict)
	n.State = triage.State(state)
	n.ReceivedAt = receivedAt.UTC()
	n.UpdatedAt = updatedAt.UTC()
	return &n, nil
}

// loadFeedback returns the feedback of each id, oldest first.
func loadFeedback(ctx context.Context, q queryer, ids []string) (map[string][]triage.Feedback, error) {
	out := make(map[string][]triage.Feedback)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, `SELECT notification_id, id, text, action, ref, proposal, created_at
		FROM feedback WHERE notification_id = ANY($1) ORDER BY notification_id, seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	var (
		notificationID string
		f              triage.Feedback
		proposal       []byte
	)
	_, err = pgx.ForEachRow(rows, []any{&notificationID, &f.ID, &f.Text, &f.Action, &f.Ref, &proposal, &f.CreatedAt}, func() error {
		entry := f
		entry.CreatedAt = f.CreatedAt.UTC()
		entry.Proposal = nil
		if len(proposal) > 0 {
			var op triage.PolicyOp
			if err := json.Unmarshal(proposal, &op); err != nil {
				return fmt.Errorf("unmarshal proposal in feedback %s: %w", f.ID, err)
			}
			entry.Proposal = &op
		}
		out[notificationID] = append(out[notificationID], entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan feedback: %w", err)
	}
	return out, nil
}

func insertFeedback(ctx context.Context, tx pgx.Tx, notificationID string, firstSeq int, entries []triage.Feedback) error {
	for i, f := range entries {
		var proposal []byte
		if f.Proposal != nil {
			b, err := json.Marshal(f.Proposal)
			if err != nil {
				return fmt.Errorf("marshal proposal: %w", err)
			}
			proposal = b
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO feedback (id, notification_id, seq, text, action, ref, proposal, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			f.ID, notificationID, firstSeq+i, f.Text, f.Action, f.Ref, proposal, f.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert feedback %s: %w", f.ID, err)
		}
	}
	return nil
}
