package sqlitestore

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. Versions are
// sequential from 1 and every migration is additive so an upgraded binary
// never drops data written by an older one.
//
// Timestamps are stored as INTEGER unix nanoseconds so range filters and
// ordering compare numerically.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	app         TEXT NOT NULL,
	app_key     TEXT NOT NULL,
	sender      TEXT NOT NULL DEFAULT '',
	sender_key  TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL DEFAULT '',
	received_at INTEGER NOT NULL,
	verdict     TEXT NOT NULL,
	rationale   TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	digest_id   TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback (
	id              TEXT PRIMARY KEY,
	notification_id TEXT NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
	seq             INTEGER NOT NULL,
	text            TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL DEFAULT '',
	ref             TEXT NOT NULL DEFAULT '',
	proposal        TEXT,
	created_at      INTEGER NOT NULL,
	UNIQUE (notification_id, seq)
);

CREATE TABLE IF NOT EXISTS policy_meta (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO policy_meta (id, version) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS policy_entries (
	kind   TEXT NOT NULL,
	value  TEXT NOT NULL,
	folded TEXT NOT NULL,
	PRIMARY KEY (kind, folded)
);

CREATE TABLE IF NOT EXISTS app_rules (
	app_key           TEXT PRIMARY KEY,
	app               TEXT NOT NULL,
	ingest            INTEGER NOT NULL DEFAULT 1,
	default_action    TEXT NOT NULL DEFAULT 'evaluate',
	escalate_keywords TEXT NOT NULL DEFAULT '[]',
	muted             INTEGER NOT NULL DEFAULT 0,
	mute_until        INTEGER
);

CREATE TABLE IF NOT EXISTS digest_schedule (
	seq   INTEGER PRIMARY KEY,
	time  TEXT NOT NULL,
	label TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_received ON notifications(received_at);
CREATE INDEX IF NOT EXISTS idx_notifications_state ON notifications(state, verdict);
CREATE INDEX IF NOT EXISTS idx_feedback_notification ON feedback(notification_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE notifications ADD COLUMN conversation_hint TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS idx_notifications_app ON notifications(app_key, received_at);
CREATE INDEX IF NOT EXISTS idx_notifications_digest ON notifications(digest_id);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
