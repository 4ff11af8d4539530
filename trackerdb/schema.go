// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package trackerdb

// schema is the full on-disk layout. Sequence uniqueness, single-finalizer
// and blocklist uniqueness are enforced here, not in Go.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	rules_json    TEXT NOT NULL DEFAULT '{}',
	password_salt BLOB,
	password_hash BLOB,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS players (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	name       TEXT NOT NULL COLLATE NOCASE,
	game       TEXT NOT NULL DEFAULT '',
	region     TEXT NOT NULL DEFAULT '',
	token_hash BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (run_id, name)
);

CREATE TABLE IF NOT EXISTS species (
	id        INTEGER PRIMARY KEY,
	name      TEXT NOT NULL,
	family_id INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS routes (
	id     INTEGER PRIMARY KEY,
	label  TEXT NOT NULL,
	region TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	player_id   TEXT NOT NULL REFERENCES players(id),
	type        TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	occurred_at INTEGER NOT NULL,
	stored_at   INTEGER NOT NULL,
	payload     BLOB NOT NULL,
	UNIQUE (run_id, seq)
);
CREATE INDEX IF NOT EXISTS events_run_player_stored ON events(run_id, player_id, stored_at);
CREATE INDEX IF NOT EXISTS events_type_stored ON events(type, stored_at);

CREATE TABLE IF NOT EXISTS encounters (
	event_id   TEXT PRIMARY KEY REFERENCES events(id) ON DELETE CASCADE,
	run_id     TEXT NOT NULL,
	player_id  TEXT NOT NULL,
	route_id   INTEGER NOT NULL,
	species_id INTEGER NOT NULL,
	family_id  INTEGER NOT NULL,
	status     TEXT NOT NULL,
	dupes_skip INTEGER NOT NULL DEFAULT 0,
	result     TEXT
);
CREATE INDEX IF NOT EXISTS encounters_run_route ON encounters(run_id, route_id);
CREATE INDEX IF NOT EXISTS encounters_run_family ON encounters(run_id, family_id);

CREATE TABLE IF NOT EXISTS route_progress (
	run_id      TEXT NOT NULL,
	player_id   TEXT NOT NULL,
	route_id    INTEGER NOT NULL,
	finalized   INTEGER NOT NULL DEFAULT 0,
	last_update INTEGER NOT NULL,
	PRIMARY KEY (run_id, player_id, route_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS route_progress_single_finalizer
	ON route_progress(run_id, route_id) WHERE finalized = 1;

CREATE TABLE IF NOT EXISTS blocklist (
	run_id     TEXT NOT NULL,
	family_id  INTEGER NOT NULL,
	origin     TEXT NOT NULL,
	priority   INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, family_id)
);

CREATE TABLE IF NOT EXISTS party_status (
	run_id      TEXT NOT NULL,
	player_id   TEXT NOT NULL,
	pokemon_key TEXT NOT NULL,
	alive       INTEGER NOT NULL DEFAULT 1,
	last_update INTEGER NOT NULL,
	PRIMARY KEY (run_id, player_id, pokemon_key)
);

CREATE TABLE IF NOT EXISTS links (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	route_id   INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	broken_at  INTEGER,
	UNIQUE (run_id, route_id)
);

CREATE TABLE IF NOT EXISTS link_members (
	link_id            TEXT NOT NULL REFERENCES links(id) ON DELETE CASCADE,
	player_id          TEXT NOT NULL,
	encounter_event_id TEXT NOT NULL REFERENCES events(id),
	PRIMARY KEY (link_id, player_id)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key          TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	player_id    TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	response     BLOB NOT NULL,
	created_at   INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL,
	PRIMARY KEY (key, run_id, player_id, request_hash)
);
CREATE INDEX IF NOT EXISTS idempotency_expires ON idempotency_keys(expires_at);
`
