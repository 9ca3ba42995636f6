package cache

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT    NOT NULL UNIQUE,
	host        TEXT    NOT NULL,
	port        INTEGER NOT NULL DEFAULT 993,
	username    TEXT    NOT NULL,
	auth_method TEXT    NOT NULL DEFAULT 'password',
	use_tls     INTEGER NOT NULL DEFAULT 1,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(host, username)
);

CREATE TABLE IF NOT EXISTS folders (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id       INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	name             TEXT    NOT NULL,
	delimiter        TEXT    NOT NULL DEFAULT '/',
	uid_validity     INTEGER NOT NULL DEFAULT 0,
	highest_modseq   INTEGER NOT NULL DEFAULT 0,
	message_count    INTEGER NOT NULL DEFAULT 0,
	total_size_bytes INTEGER NOT NULL DEFAULT 0,
	last_scanned_at  DATETIME,
	UNIQUE(account_id, name)
);

CREATE TABLE IF NOT EXISTS messages (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	folder_id      INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	uid            INTEGER NOT NULL,
	message_id     TEXT    NOT NULL DEFAULT '',
	in_reply_to    TEXT    NOT NULL DEFAULT '',
	from_addr      TEXT,
	to_addr        TEXT,
	subject        TEXT,
	date           TEXT,
	size_bytes     INTEGER NOT NULL DEFAULT 0,
	has_attachment INTEGER NOT NULL DEFAULT 0,
	attachments    TEXT    NOT NULL DEFAULT '[]',
	flags          TEXT    NOT NULL DEFAULT '[]',
	cached_at      TEXT    NOT NULL,
	UNIQUE(folder_id, uid)
);

CREATE INDEX IF NOT EXISTS idx_messages_folder     ON messages(folder_id);
CREATE INDEX IF NOT EXISTS idx_messages_size       ON messages(size_bytes DESC);
CREATE INDEX IF NOT EXISTS idx_messages_from       ON messages(from_addr);
CREATE INDEX IF NOT EXISTS idx_messages_date       ON messages(date);
CREATE INDEX IF NOT EXISTS idx_messages_msgid      ON messages(message_id);
CREATE INDEX IF NOT EXISTS idx_messages_attachment ON messages(has_attachment) WHERE has_attachment = 1;
CREATE INDEX IF NOT EXISTS idx_folders_account     ON folders(account_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_identity
	ON messages(from_addr, subject, date, size_bytes);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
