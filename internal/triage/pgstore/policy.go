package pgstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/hush/internal/triage"
)

var entryKinds = map[triage.OpKind]struct {
	kind string
	add  bool
}{
	triage.OpAddVIP:                {"vip", true},
	triage.OpRemoveVIP:             {"vip", false},
	triage.OpAddKeyword:            {"keyword", true},
	triage.OpRemoveKeyword:         {"keyword", false},
	triage.OpAddSuppressPattern:    {"suppress", true},
	triage.OpRemoveSuppressPattern: {"suppress", false},
}

const appRuleColumns = "app_key, app, ingest, default_action, escalate_keywords, muted, mute_until"

// PolicyVersion returns the committed policy version.
func (s *Store) PolicyVersion(ctx context.Context) (int64, error) {
	ctx, span := startSpan(ctx, "PolicyVersion", "SELECT")
	defer span.End()

	var v int64
	if err := s.pool.QueryRow(ctx, "SELECT version FROM policy_meta WHERE id = 1").Scan(&v); err != nil {
		return 0, fail(span, fmt.Errorf("read policy version: %w", err))
	}
	return v, nil
}

// LoadPolicy reads the full policy in one read-only snapshot.
func (s *Store) LoadPolicy(ctx context.Context) (*triage.Policy, error) {
	ctx, span := startSpan(ctx, "LoadPolicy", "SELECT")
	defer span.End()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only

	p := triage.NewPolicy()
	if err := tx.QueryRow(ctx, "SELECT version FROM policy_meta WHERE id = 1").Scan(&p.Version); err != nil {
		return nil, fail(span, fmt.Errorf("read policy version: %w", err))
	}

	rows, err := tx.Query(ctx, "SELECT kind, value FROM policy_entries ORDER BY seq")
	if err != nil {
		return nil, fail(span, fmt.Errorf("read policy entries: %w", err))
	}
	var kind, value string
	_, err = pgx.ForEachRow(rows, []any{&kind, &value}, func() error {
		switch kind {
		case "vip":
			p.VIPSenders = append(p.VIPSenders, value)
		case "keyword":
			p.PriorityKeywords = append(p.PriorityKeywords, value)
		case "suppress":
			p.SuppressPatterns = append(p.SuppressPatterns, value)
		}
		return nil
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("read policy entries: %w", err))
	}

	rows, err = tx.Query(ctx, "SELECT "+appRuleColumns+" FROM app_rules")
	if err != nil {
		return nil, fail(span, fmt.Errorf("read app rules: %w", err))
	}
	for rows.Next() {
		key, rule, err := scanAppRule(rows)
		if err != nil {
			rows.Close()
			return nil, fail(span, fmt.Errorf("scan app rule: %w", err))
		}
		p.AppRules[key] = rule
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("read app rules: %w", err))
	}

	rows, err = tx.Query(ctx, "SELECT time, label FROM digest_schedule ORDER BY seq")
	if err != nil {
		return nil, fail(span, fmt.Errorf("read digest schedule: %w", err))
	}
	p.DigestSchedule, err = pgx.CollectRows(rows, pgx.RowToStructByPos[triage.ScheduleEntry])
	if err != nil {
		return nil, fail(span, fmt.Errorf("read digest schedule: %w", err))
	}
	return p, nil
}

// ApplyPolicyOp applies op in a transaction that holds the policy_meta row
// lock, so concurrent operations serialize. The version increments only
// when something changed.
func (s *Store) ApplyPolicyOp(ctx context.Context, op triage.PolicyOp) (bool, error) {
	ctx, span := startSpan(ctx, "ApplyPolicyOp", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, "SELECT version FROM policy_meta WHERE id = 1 FOR UPDATE"); err != nil {
		return false, fail(span, fmt.Errorf("lock policy: %w", err))
	}

	var changed bool
	if e, ok := entryKinds[op.Kind]; ok {
		changed, err = applyEntry(ctx, tx, e.kind, e.add, op.Target)
	} else {
		switch op.Kind {
		case triage.OpMuteApp, triage.OpUnmuteApp, triage.OpSetAppRule:
			changed, err = applyAppRule(ctx, tx, op)
		case triage.OpSetDigestSchedule:
			changed, err = replaceSchedule(ctx, tx, op.Schedule)
		default:
			return false, &triage.ValidationError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", op.Kind)}
		}
	}
	if err != nil {
		return false, fail(span, err)
	}
	if !changed {
		return false, nil
	}
	if _, err := tx.Exec(ctx, "UPDATE policy_meta SET version = version + 1 WHERE id = 1"); err != nil {
		return false, fail(span, fmt.Errorf("bump policy version: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fail(span, fmt.Errorf("commit: %w", err))
	}
	return true, nil
}

func applyEntry(ctx context.Context, tx pgx.Tx, kind string, add bool, value string) (bool, error) {
	if add {
		tag, err := tx.Exec(ctx,
			"INSERT INTO policy_entries (kind, value, folded) VALUES ($1, $2, $3) ON CONFLICT (kind, folded) DO NOTHING",
			kind, strings.TrimSpace(value), triage.Fold(value))
		if err != nil {
			return false, fmt.Errorf("add %s entry: %w", kind, err)
		}
		return tag.RowsAffected() > 0, nil
	}
	tag, err := tx.Exec(ctx, "DELETE FROM policy_entries WHERE kind = $1 AND folded = $2", kind, triage.Fold(value))
	if err != nil {
		return false, fmt.Errorf("remove %s entry: %w", kind, err)
	}
	return tag.RowsAffected() > 0, nil
}

func applyAppRule(ctx context.Context, tx pgx.Tx, op triage.PolicyOp) (bool, error) {
	key := triage.Fold(op.Target)
	_, prev, err := scanAppRule(tx.QueryRow(ctx, "SELECT "+appRuleColumns+" FROM app_rules WHERE app_key = $1", key))
	exists := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("read app rule %s: %w", op.Target, err)
	}

	next, changed := triage.NextAppRule(prev, exists, op)
	if !changed {
		return false, nil
	}
	keywords := next.EscalateKeywords
	if keywords == nil {
		keywords = []string{}
	}
	var muteUntil *time.Time
	if !next.MuteUntil.IsZero() {
		muteUntil = &next.MuteUntil
	}
	_, err = tx.Exec(ctx, `INSERT INTO app_rules (`+appRuleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (app_key) DO UPDATE SET
			app               = EXCLUDED.app,
			ingest            = EXCLUDED.ingest,
			default_action    = EXCLUDED.default_action,
			escalate_keywords = EXCLUDED.escalate_keywords,
			muted             = EXCLUDED.muted,
			mute_until        = EXCLUDED.mute_until`,
		key, next.App, next.Ingest, string(next.DefaultAction), keywords, next.Muted, muteUntil,
	)
	if err != nil {
		return false, fmt.Errorf("write app rule %s: %w", op.Target, err)
	}
	return true, nil
}

func replaceSchedule(ctx context.Context, tx pgx.Tx, schedule []triage.ScheduleEntry) (bool, error) {
	rows, err := tx.Query(ctx, "SELECT time, label FROM digest_schedule ORDER BY seq")
	if err != nil {
		return false, fmt.Errorf("read digest schedule: %w", err)
	}
	current, err := pgx.CollectRows(rows, pgx.RowToStructByPos[triage.ScheduleEntry])
	if err != nil {
		return false, fmt.Errorf("read digest schedule: %w", err)
	}
	if slices.Equal(current, schedule) {
		return false, nil
	}
	if _, err := tx.Exec(ctx, "DELETE FROM digest_schedule"); err != nil {
		return false, fmt.Errorf("clear digest schedule: %w", err)
	}
	for i, e := range schedule {
		if _, err := tx.Exec(ctx,
			"INSERT INTO digest_schedule (seq, time, label) VALUES ($1, $2, $3)", i, e.Time, e.Label,
		); err != nil {
			return false, fmt.Errorf("write digest schedule: %w", err)
		}
	}
	return true, nil
}

func scanAppRule(row pgx.Row) (string, triage.AppRule, error) {
	var (
		key       string
		r         triage.AppRule
		action    string
		muteUntil *time.Time
	)
	if err := row.Scan(&key, &r.App, &r.Ingest, &action, &r.EscalateKeywords, &r.Muted, &muteUntil); err != nil {
		return "", triage.AppRule{}, err
	}
	r.DefaultAction = triage.Action(action)
	if muteUntil != nil {
		r.MuteUntil = muteUntil.UTC()
	}
	return key, r, nil
}
