package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/jitrc/MailSweep/pkg/types"
)

// Store provides all read/write operations on the cache. Every write method
// wraps its statements in a transaction so a failure rolls back the whole
// unit rather than leaving a half-applied batch.
type Store struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewStore creates a new store instance.
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{cache: cache, logger: logger}
}

func (s *Store) db() *sqlx.DB {
	return s.cache.DB()
}

// dbMessage is the raw row shape of the messages table (plus join columns).
type dbMessage struct {
	ID            int64          `db:"id"`
	FolderID      int64          `db:"folder_id"`
	UID           uint32         `db:"uid"`
	MessageID     string         `db:"message_id"`
	InReplyTo     string         `db:"in_reply_to"`
	FromAddr      sql.NullString `db:"from_addr"`
	ToAddr        sql.NullString `db:"to_addr"`
	Subject       sql.NullString `db:"subject"`
	Date          sql.NullString `db:"date"`
	SizeBytes     int64          `db:"size_bytes"`
	HasAttachment int            `db:"has_attachment"`
	Attachments   string         `db:"attachments"`
	Flags         string         `db:"flags"`
	CachedAt      string         `db:"cached_at"`

	FolderName sql.NullString `db:"folder_name"`
	Tag        sql.NullString `db:"tag"`
}

func (r *dbMessage) toMessage() types.Message {
	m := types.Message{
		ID:            r.ID,
		FolderID:      r.FolderID,
		UID:           r.UID,
		MessageID:     r.MessageID,
		InReplyTo:     r.InReplyTo,
		From:          r.FromAddr.String,
		To:            r.ToAddr.String,
		Subject:       r.Subject.String,
		SizeBytes:     r.SizeBytes,
		HasAttachment: r.HasAttachment != 0,
		FolderName:    r.FolderName.String,
		Tag:           r.Tag.String,
	}
	if r.Date.Valid {
		if t, err := time.Parse(time.RFC3339, r.Date.String); err == nil {
			m.Date = t
		}
	}
	if t, err := time.Parse(time.RFC3339, r.CachedAt); err == nil {
		m.CachedAt = t
	}
	if r.Attachments != "" {
		_ = json.Unmarshal([]byte(r.Attachments), &m.Attachments)
	}
	if r.Flags != "" {
		_ = json.Unmarshal([]byte(r.Flags), &m.Flags)
	}
	return m
}

func nullDate(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// ── Accounts ────────────────────────────────────────────────────────────────

// UpsertAccount inserts or refreshes an account row and returns its ID.
func (s *Store) UpsertAccount(acc types.Account) (int64, error) {
	const query = `
		INSERT INTO accounts (name, host, port, username, auth_method, use_tls, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(host, username) DO UPDATE SET
			name        = excluded.name,
			port        = excluded.port,
			auth_method = excluded.auth_method,
			use_tls     = excluded.use_tls,
			updated_at  = CURRENT_TIMESTAMP`
	useTLS := 0
	if acc.UseTLS {
		useTLS = 1
	}
	if _, err := s.db().Exec(query, acc.Name, acc.Host, acc.Port, acc.Username, string(acc.AuthMethod), useTLS); err != nil {
		return 0, fmt.Errorf("upserting account %s: %w", acc.Name, err)
	}

	var id int64
	if err := s.db().Get(&id, "SELECT id FROM accounts WHERE host = ? AND username = ?", acc.Host, acc.Username); err != nil {
		return 0, fmt.Errorf("reading account id for %s: %w", acc.Name, err)
	}
	return id, nil
}

// GetAccountID returns the account ID by name.
func (s *Store) GetAccountID(name string) (int64, error) {
	var id int64
	if err := s.db().Get(&id, "SELECT id FROM accounts WHERE name = ?", name); err != nil {
		return 0, fmt.Errorf("account not found: %s", name)
	}
	return id, nil
}

// DeleteAccount removes an account; folders and messages cascade.
func (s *Store) DeleteAccount(id int64) error {
	if _, err := s.db().Exec("DELETE FROM accounts WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting account %d: %w", id, err)
	}
	return nil
}

// ── Folders ─────────────────────────────────────────────────────────────────

// UpsertFolder inserts or refreshes a folder row and fills in its ID.
func (s *Store) UpsertFolder(f *types.Folder) error {
	const query = `
		INSERT INTO folders (account_id, name, delimiter, uid_validity, highest_modseq,
		                     message_count, total_size_bytes, last_scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, name) DO UPDATE SET
			delimiter        = excluded.delimiter,
			uid_validity     = excluded.uid_validity,
			highest_modseq   = excluded.highest_modseq,
			message_count    = excluded.message_count,
			total_size_bytes = excluded.total_size_bytes,
			last_scanned_at  = excluded.last_scanned_at`
	var lastScanned interface{}
	if f.LastScannedAt != nil {
		lastScanned = f.LastScannedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db().Exec(query, f.AccountID, f.Name, f.Delimiter, f.UIDValidity,
		f.HighestModSeq, f.MessageCount, f.TotalSizeBytes, lastScanned)
	if err != nil {
		return fmt.Errorf("upserting folder %s: %w", f.Name, err)
	}

	if err := s.db().Get(&f.ID, "SELECT id FROM folders WHERE account_id = ? AND name = ?", f.AccountID, f.Name); err != nil {
		return fmt.Errorf("reading folder id for %s: %w", f.Name, err)
	}
	return nil
}

type dbFolder struct {
	ID             int64          `db:"id"`
	AccountID      int64          `db:"account_id"`
	Name           string         `db:"name"`
	Delimiter      string         `db:"delimiter"`
	UIDValidity    uint32         `db:"uid_validity"`
	HighestModSeq  uint64         `db:"highest_modseq"`
	MessageCount   int            `db:"message_count"`
	TotalSizeBytes int64          `db:"total_size_bytes"`
	LastScannedAt  sql.NullString `db:"last_scanned_at"`
}

func (r *dbFolder) toFolder() types.Folder {
	f := types.Folder{
		ID:             r.ID,
		AccountID:      r.AccountID,
		Name:           r.Name,
		Delimiter:      r.Delimiter,
		UIDValidity:    r.UIDValidity,
		HighestModSeq:  r.HighestModSeq,
		MessageCount:   r.MessageCount,
		TotalSizeBytes: r.TotalSizeBytes,
	}
	if r.LastScannedAt.Valid {
		if t, err := time.Parse(time.RFC3339, r.LastScannedAt.String); err == nil {
			f.LastScannedAt = &t
		}
	}
	return f
}

// GetFolder returns a folder by account and name, or nil when not cached.
func (s *Store) GetFolder(accountID int64, name string) (*types.Folder, error) {
	var row dbFolder
	err := s.db().Get(&row, "SELECT * FROM folders WHERE account_id = ? AND name = ?", accountID, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading folder %s: %w", name, err)
	}
	f := row.toFolder()
	return &f, nil
}

// ListFolders lists cached folders for an account, largest first.
func (s *Store) ListFolders(accountID int64) ([]types.Folder, error) {
	var rows []dbFolder
	err := s.db().Select(&rows,
		"SELECT * FROM folders WHERE account_id = ? ORDER BY total_size_bytes DESC", accountID)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	folders := make([]types.Folder, 0, len(rows))
	for i := range rows {
		folders = append(folders, rows[i].toFolder())
	}
	return folders, nil
}

// InvalidateFolder drops every cached message for the folder and resets its
// stats. Used when the server's UIDVALIDITY no longer matches ours.
func (s *Store) InvalidateFolder(folderID int64) error {
	tx, err := s.db().Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE folder_id = ?", folderID); err != nil {
		return fmt.Errorf("clearing messages for folder %d: %w", folderID, err)
	}
	if _, err := tx.Exec(
		"UPDATE folders SET uid_validity = 0, highest_modseq = 0, message_count = 0, total_size_bytes = 0, last_scanned_at = NULL WHERE id = ?",
		folderID); err != nil {
		return fmt.Errorf("resetting folder %d: %w", folderID, err)
	}
	return tx.Commit()
}

// UpdateFolderStats recomputes message_count and total_size_bytes from the
// messages table.
func (s *Store) UpdateFolderStats(folderID int64) error {
	_, err := s.db().Exec(`
		UPDATE folders SET
			message_count    = (SELECT COUNT(*) FROM messages WHERE folder_id = folders.id),
			total_size_bytes = (SELECT COALESCE(SUM(size_bytes), 0) FROM messages WHERE folder_id = folders.id)
		WHERE id = ?`, folderID)
	if err != nil {
		return fmt.Errorf("updating stats for folder %d: %w", folderID, err)
	}
	return nil
}

// ── Messages ────────────────────────────────────────────────────────────────

// UpsertMessages batch-upserts message rows for one folder in a single
// transaction. This is the scan engine's write path.
func (s *Store) UpsertMessages(folderID int64, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db().Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO messages (folder_id, uid, message_id, in_reply_to, from_addr, to_addr,
		                      subject, date, size_bytes, has_attachment, attachments, flags, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_id, uid) DO UPDATE SET
			message_id     = excluded.message_id,
			in_reply_to    = excluded.in_reply_to,
			from_addr      = excluded.from_addr,
			to_addr        = excluded.to_addr,
			subject        = excluded.subject,
			date           = excluded.date,
			size_bytes     = excluded.size_bytes,
			has_attachment = excluded.has_attachment,
			attachments    = excluded.attachments,
			flags          = excluded.flags,
			cached_at      = excluded.cached_at`

	stmt, err := tx.Preparex(query)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for i := range msgs {
		m := &msgs[i]
		hasAtt := 0
		if m.HasAttachment {
			hasAtt = 1
		}
		_, err = stmt.Exec(folderID, m.UID, m.MessageID, m.InReplyTo, m.From, m.To,
			m.Subject, nullDate(m.Date), m.SizeBytes, hasAtt,
			m.AttachmentsJSON(), m.FlagsJSON(), now)
		if err != nil {
			return fmt.Errorf("upserting message uid=%d: %w", m.UID, err)
		}
	}

	return tx.Commit()
}

// DeleteMessages removes cache rows for the given UIDs in one folder.
func (s *Store) DeleteMessages(folderID int64, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		"DELETE FROM messages WHERE folder_id = ? AND uid IN (?)", folderID, uids)
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	if _, err := s.db().Exec(query, args...); err != nil {
		return fmt.Errorf("deleting %d messages from folder %d: %w", len(uids), folderID, err)
	}
	return nil
}

// UIDSet returns the cached UID set for a folder.
func (s *Store) UIDSet(folderID int64) (map[uint32]struct{}, error) {
	var uids []uint32
	if err := s.db().Select(&uids, "SELECT uid FROM messages WHERE folder_id = ?", folderID); err != nil {
		return nil, fmt.Errorf("reading uid set for folder %d: %w", folderID, err)
	}
	set := make(map[uint32]struct{}, len(uids))
	for _, uid := range uids {
		set[uid] = struct{}{}
	}
	return set, nil
}

// MoveMessages re-parents cached rows from one folder to another after a
// confirmed server-side move, then refreshes both folders' stats. The whole
// update is one transaction so a failure leaves the cache at the state of
// the batches that actually completed.
func (s *Store) MoveMessages(srcFolderID, dstFolderID int64, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}

	tx, err := s.db().Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// A copy of the same Message-ID may already exist in the destination
	// (label-based providers); drop the source row instead of violating the
	// (folder_id, uid) uniqueness with a blind update.
	query, args, err := sqlx.In(`
		DELETE FROM messages WHERE folder_id = ? AND uid IN (?)
		AND message_id != '' AND message_id IN
			(SELECT message_id FROM messages WHERE folder_id = ?)`,
		srcFolderID, uids, dstFolderID)
	if err != nil {
		return fmt.Errorf("building move dedup query: %w", err)
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("deduplicating moved messages: %w", err)
	}

	query, args, err = sqlx.In(
		"UPDATE OR REPLACE messages SET folder_id = ? WHERE folder_id = ? AND uid IN (?)",
		dstFolderID, srcFolderID, uids)
	if err != nil {
		return fmt.Errorf("building move query: %w", err)
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("moving %d messages: %w", len(uids), err)
	}

	for _, id := range []int64{srcFolderID, dstFolderID} {
		if _, err := tx.Exec(`
			UPDATE folders SET
				message_count    = (SELECT COUNT(*) FROM messages WHERE folder_id = folders.id),
				total_size_bytes = (SELECT COALESCE(SUM(size_bytes), 0) FROM messages WHERE folder_id = folders.id)
			WHERE id = ?`, id); err != nil {
			return fmt.Errorf("updating stats for folder %d: %w", id, err)
		}
	}

	return tx.Commit()
}

// inClause expands an int64 slice for manual IN queries.
func inClause(ids []int64) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}
