package postgres

import "context"

// Schema is the DDL for the persistence layout in spec.md §6.4, including
// the indexes §4.2 calls out as required: (state, priority DESC,
// next_attempt_at ASC) for the dispatcher, (lock_expires_at) for
// reclamation, (work_item_id, at DESC) for transition history, (delivered)
// for the outbox.
const Schema = `
CREATE TABLE IF NOT EXISTS work_item (
	id                   TEXT PRIMARY KEY,
	priority             INTEGER NOT NULL DEFAULT 0,
	state                TEXT NOT NULL,
	stage                TEXT NOT NULL,
	attempt_count        INTEGER NOT NULL DEFAULT 0,
	quota_exceeded_count INTEGER NOT NULL DEFAULT 0,
	enqueued_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at           TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ,
	next_attempt_at      TIMESTAMPTZ,
	lock_holder          TEXT,
	lock_acquired_at     TIMESTAMPTZ,
	lock_expires_at      TIMESTAMPTZ,
	version              BIGINT NOT NULL DEFAULT 1,
	payload              JSONB NOT NULL DEFAULT '{}'::jsonb,
	partial_results      JSONB NOT NULL DEFAULT '{}'::jsonb,
	last_error           JSONB,
	cancel_requested     BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_work_item_dispatch
	ON work_item (state, priority DESC, next_attempt_at ASC);
CREATE INDEX IF NOT EXISTS idx_work_item_lock_expiry
	ON work_item (lock_expires_at);

CREATE TABLE IF NOT EXISTS transition (
	id           TEXT PRIMARY KEY,
	work_item_id TEXT NOT NULL REFERENCES work_item(id),
	from_state   TEXT NOT NULL,
	to_state     TEXT NOT NULL,
	stage        TEXT NOT NULL,
	reason       TEXT NOT NULL,
	metadata     JSONB NOT NULL DEFAULT '{}'::jsonb,
	actor        TEXT NOT NULL,
	at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transition_work_item_at
	ON transition (work_item_id, at DESC);

CREATE TABLE IF NOT EXISTS event (
	id           TEXT PRIMARY KEY,
	work_item_id TEXT NOT NULL REFERENCES work_item(id),
	type         TEXT NOT NULL,
	payload      JSONB NOT NULL DEFAULT '{}'::jsonb,
	at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	delivered    BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_event_undelivered
	ON event (delivered) WHERE delivered = false;
CREATE INDEX IF NOT EXISTS idx_event_work_item_at
	ON event (work_item_id, at ASC);

CREATE TABLE IF NOT EXISTS metric (
	id           TEXT PRIMARY KEY,
	work_item_id TEXT REFERENCES work_item(id),
	kind         TEXT NOT NULL,
	name         TEXT NOT NULL,
	value        DOUBLE PRECISION NOT NULL,
	at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_metric_kind_at ON metric (kind, at DESC);

CREATE TABLE IF NOT EXISTS quota_counter (
	service      TEXT NOT NULL,
	window       TEXT NOT NULL,
	"limit"      BIGINT NOT NULL,
	used         BIGINT NOT NULL DEFAULT 0,
	window_start TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (service, window)
);

CREATE TABLE IF NOT EXISTS quota_usage_log (
	id            TEXT PRIMARY KEY,
	service       TEXT NOT NULL,
	work_item_id  TEXT,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	image_count   BIGINT NOT NULL DEFAULT 0,
	cost          DOUBLE PRECISION NOT NULL DEFAULT 0,
	at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_quota_usage_log_service_at ON quota_usage_log (service, at DESC);

CREATE TABLE IF NOT EXISTS dead_letter (
	id           TEXT PRIMARY KEY,
	work_item_id TEXT NOT NULL REFERENCES work_item(id),
	payload      JSONB NOT NULL DEFAULT '{}'::jsonb,
	error_chain  JSONB NOT NULL DEFAULT '[]'::jsonb,
	at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies Schema. It is idempotent (every statement is
// IF NOT EXISTS) so it is safe to call on every process start, the way the
// teacher's own test helpers bootstrap a fresh database.
func Migrate(ctx context.Context, pool PgxPool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}
