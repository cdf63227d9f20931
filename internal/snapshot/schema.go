package snapshot

// Schema is the SQL schema of a snapshot database. Each Save replaces the
// table contents in one transaction.
const Schema = `
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
    id         TEXT PRIMARY KEY,
    seq        INTEGER NOT NULL,
    label      TEXT NOT NULL DEFAULT '',
    embedding  TEXT NOT NULL,
    attributes TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
    id         TEXT PRIMARY KEY,
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS edges (
    source       TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    target       TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    link_type    TEXT NOT NULL,
    confidence   REAL NOT NULL CHECK(confidence >= 0 AND confidence <= 1),
    last_updated INTEGER NOT NULL,
    PRIMARY KEY (source, target, link_type)
);

CREATE INDEX IF NOT EXISTS idx_records_seq ON records(seq);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target);
`
