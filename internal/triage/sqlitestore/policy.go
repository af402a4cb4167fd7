package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/linnemanlabs/hush/internal/triage"
)

const (
	entryVIP      = "vip"
	entryKeyword  = "keyword"
	entrySuppress = "suppress"
)

type appRuleRow struct {
	AppKey           string        `db:"app_key"`
	App              string        `db:"app"`
	Ingest           int           `db:"ingest"`
	DefaultAction    string        `db:"default_action"`
	EscalateKeywords string        `db:"escalate_keywords"`
	Muted            int           `db:"muted"`
	MuteUntil        sql.NullInt64 `db:"mute_until"`
}

func (r *appRuleRow) rule() (triage.AppRule, error) {
	rule := triage.AppRule{
		App:           r.App,
		Ingest:        r.Ingest != 0,
		DefaultAction: triage.Action(r.DefaultAction),
		Muted:         r.Muted != 0,
	}
	if r.MuteUntil.Valid {
		rule.MuteUntil = fromNanos(r.MuteUntil.Int64)
	}
	if r.EscalateKeywords != "" {
		if err := json.Unmarshal([]byte(r.EscalateKeywords), &rule.EscalateKeywords); err != nil {
			return triage.AppRule{}, fmt.Errorf("unmarshaling escalate keywords for %s: %w", r.App, err)
		}
	}
	return rule, nil
}

// PolicyVersion returns the committed policy version.
func (s *Store) PolicyVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.GetContext(ctx, &v, "SELECT version FROM policy_meta WHERE id = 1"); err != nil {
		return 0, fmt.Errorf("reading policy version: %w", err)
	}
	return v, nil
}

// LoadPolicy reads the full policy inside one read transaction, so a commit
// from another process cannot land between the statements.
func (s *Store) LoadPolicy(ctx context.Context) (*triage.Policy, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("beginning read transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only

	p := triage.NewPolicy()
	if err := tx.GetContext(ctx, &p.Version, "SELECT version FROM policy_meta WHERE id = 1"); err != nil {
		return nil, fmt.Errorf("reading policy version: %w", err)
	}

	var entries []struct {
		Kind  string `db:"kind"`
		Value string `db:"value"`
	}
	if err := tx.SelectContext(ctx, &entries, "SELECT kind, value FROM policy_entries ORDER BY rowid"); err != nil {
		return nil, fmt.Errorf("reading policy entries: %w", err)
	}
	for _, e := range entries {
		switch e.Kind {
		case entryVIP:
			p.VIPSenders = append(p.VIPSenders, e.Value)
		case entryKeyword:
			p.PriorityKeywords = append(p.PriorityKeywords, e.Value)
		case entrySuppress:
			p.SuppressPatterns = append(p.SuppressPatterns, e.Value)
		}
	}

	var rules []appRuleRow
	if err := tx.SelectContext(ctx, &rules, "SELECT app_key, app, ingest, default_action, escalate_keywords, muted, mute_until FROM app_rules"); err != nil {
		return nil, fmt.Errorf("reading app rules: %w", err)
	}
	for i := range rules {
		r, err := rules[i].rule()
		if err != nil {
			return nil, err
		}
		p.AppRules[rules[i].AppKey] = r
	}

	if err := tx.SelectContext(ctx, &p.DigestSchedule, `SELECT time AS "time", label FROM digest_schedule ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("reading digest schedule: %w", err)
	}
	return p, nil
}

// ApplyPolicyOp applies op in a transaction. The version increments only
// when something changed.
func (s *Store) ApplyPolicyOp(ctx context.Context, op triage.PolicyOp) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	var changed bool
	switch op.Kind {
	case triage.OpAddVIP:
		changed, err = addEntry(ctx, tx, entryVIP, op.Target)
	case triage.OpRemoveVIP:
		changed, err = removeEntry(ctx, tx, entryVIP, op.Target)
	case triage.OpAddKeyword:
		changed, err = addEntry(ctx, tx, entryKeyword, op.Target)
	case triage.OpRemoveKeyword:
		changed, err = removeEntry(ctx, tx, entryKeyword, op.Target)
	case triage.OpAddSuppressPattern:
		changed, err = addEntry(ctx, tx, entrySuppress, op.Target)
	case triage.OpRemoveSuppressPattern:
		changed, err = removeEntry(ctx, tx, entrySuppress, op.Target)
	case triage.OpMuteApp, triage.OpUnmuteApp, triage.OpSetAppRule:
		changed, err = applyAppRule(ctx, tx, op)
	case triage.OpSetDigestSchedule:
		changed, err = replaceSchedule(ctx, tx, op.Schedule)
	default:
		return false, &triage.ValidationError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", op.Kind)}
	}
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, "UPDATE policy_meta SET version = version + 1 WHERE id = 1"); err != nil {
		return false, fmt.Errorf("bumping policy version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing policy op: %w", err)
	}
	return true, nil
}

func addEntry(ctx context.Context, tx *sqlx.Tx, kind, value string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO policy_entries (kind, value, folded) VALUES (?, ?, ?)",
		kind, strings.TrimSpace(value), triage.Fold(value),
	)
	if err != nil {
		return false, fmt.Errorf("adding %s entry: %w", kind, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func removeEntry(ctx context.Context, tx *sqlx.Tx, kind, value string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		"DELETE FROM policy_entries WHERE kind = ? AND folded = ?",
		kind, triage.Fold(value),
	)
	if err != nil {
		return false, fmt.Errorf("removing %s entry: %w", kind, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func applyAppRule(ctx context.Context, tx *sqlx.Tx, op triage.PolicyOp) (bool, error) {
	key := triage.Fold(op.Target)

	var row appRuleRow
	var prev triage.AppRule
	err := tx.GetContext(ctx, &row,
		"SELECT app_key, app, ingest, default_action, escalate_keywords, muted, mute_until FROM app_rules WHERE app_key = ?", key)
	exists := err == nil
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("reading app rule %s: %w", op.Target, err)
	default:
		if prev, err = row.rule(); err != nil {
			return false, err
		}
	}

	next, changed := triage.NextAppRule(prev, exists, op)
	if !changed {
		return false, nil
	}

	keywords := next.EscalateKeywords
	if keywords == nil {
		keywords = []string{}
	}
	kw, err := json.Marshal(keywords)
	if err != nil {
		return false, fmt.Errorf("marshaling escalate keywords: %w", err)
	}
	var muteUntil sql.NullInt64
	if !next.MuteUntil.IsZero() {
		muteUntil = sql.NullInt64{Int64: next.MuteUntil.UnixNano(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO app_rules (app_key, app, ingest, default_action, escalate_keywords, muted, mute_until)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_key) DO UPDATE SET
			app = excluded.app,
			ingest = excluded.ingest,
			default_action = excluded.default_action,
			escalate_keywords = excluded.escalate_keywords,
			muted = excluded.muted,
			mute_until = excluded.mute_until`,
		key, next.App, boolToInt(next.Ingest), string(next.DefaultAction), string(kw), boolToInt(next.Muted), muteUntil,
	)
	if err != nil {
		return false, fmt.Errorf("writing app rule %s: %w", op.Target, err)
	}
	return true, nil
}

func replaceSchedule(ctx context.Context, tx *sqlx.Tx, schedule []triage.ScheduleEntry) (bool, error) {
	var current []triage.ScheduleEntry
	if err := tx.SelectContext(ctx, &current, `SELECT time AS "time", label FROM digest_schedule ORDER BY seq`); err != nil {
		return false, fmt.Errorf("reading digest schedule: %w", err)
	}
	if slices.Equal(current, schedule) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM digest_schedule"); err != nil {
		return false, fmt.Errorf("clearing digest schedule: %w", err)
	}
	for i, e := range schedule {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO digest_schedule (seq, time, label) VALUES (?, ?, ?)", i, e.Time, e.Label,
		); err != nil {
			return false, fmt.Errorf("writing digest schedule: %w", err)
		}
	}
	return true, nil
}
