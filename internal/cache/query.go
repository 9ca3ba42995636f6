package cache

import (
	"fmt"
	"strings"

	"github.com/jitrc/MailSweep/pkg/types"
)

// Filter narrows a message query. Zero values mean "no constraint".
type Filter struct {
	FolderIDs     []int64
	From          string // substring match
	To            string // substring match
	Subject       string // substring match
	DateFrom      string // RFC3339 or YYYY-MM-DD
	DateTo        string
	SizeMin       int64
	SizeMax       int64
	HasAttachment *bool
	OrderBy       string // one of the whitelisted columns, "-" prefix for DESC
	Limit         int
}

var allowedOrderColumns = map[string]bool{
	"size_bytes": true,
	"date":       true,
	"from_addr":  true,
	"subject":    true,
	"uid":        true,
	"cached_at":  true,
}

func (f *Filter) orderClause() string {
	column := strings.TrimPrefix(f.OrderBy, "-")
	if column == "" || !allowedOrderColumns[column] {
		return "ORDER BY m.size_bytes DESC"
	}
	direction := "ASC"
	if strings.HasPrefix(f.OrderBy, "-") {
		direction = "DESC"
	}
	return fmt.Sprintf("ORDER BY m.%s %s", column, direction)
}

// QueryMessages returns cached messages for an account matching the filter,
// each row joined with its folder name.
func (s *Store) QueryMessages(accountID int64, f Filter) ([]types.Message, error) {
	conditions := []string{"f.account_id = ?"}
	args := []interface{}{accountID}

	if len(f.FolderIDs) > 0 {
		placeholders, folderArgs := inClause(f.FolderIDs)
		conditions = append(conditions, fmt.Sprintf("m.folder_id IN (%s)", placeholders))
		args = append(args, folderArgs...)
	}
	if f.From != "" {
		conditions = append(conditions, "m.from_addr LIKE ?")
		args = append(args, "%"+f.From+"%")
	}
	if f.To != "" {
		conditions = append(conditions, "m.to_addr LIKE ?")
		args = append(args, "%"+f.To+"%")
	}
	if f.Subject != "" {
		conditions = append(conditions, "m.subject LIKE ?")
		args = append(args, "%"+f.Subject+"%")
	}
	if f.DateFrom != "" {
		conditions = append(conditions, "m.date >= ?")
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		conditions = append(conditions, "m.date <= ?")
		args = append(args, f.DateTo)
	}
	if f.SizeMin > 0 {
		conditions = append(conditions, "m.size_bytes >= ?")
		args = append(args, f.SizeMin)
	}
	if f.SizeMax > 0 {
		conditions = append(conditions, "m.size_bytes <= ?")
		args = append(args, f.SizeMax)
	}
	if f.HasAttachment != nil {
		if *f.HasAttachment {
			conditions = append(conditions, "m.has_attachment = 1")
		} else {
			conditions = append(conditions, "m.has_attachment = 0")
		}
	}

	limit := f.Limit
	if limit <= 0 || limit > 10000 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT m.*, f.name AS folder_name
		FROM messages m
		JOIN folders f ON f.id = m.folder_id
		WHERE %s
		%s
		LIMIT %d`,
		strings.Join(conditions, " AND "), f.orderClause(), limit)

	var rows []dbMessage
	if err := s.db().Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return toMessages(rows), nil
}

func toMessages(rows []dbMessage) []types.Message {
	msgs := make([]types.Message, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, rows[i].toMessage())
	}
	return msgs
}

// extractEmail pulls the bare address out of a "Name <addr>" header value,
// in SQL so aggregation groups by the address part alone.
const extractEmail = `
	CASE WHEN INSTR(%[1]s, '<') > 0
	     THEN LOWER(SUBSTR(%[1]s, INSTR(%[1]s, '<') + 1,
	                INSTR(%[1]s, '>') - INSTR(%[1]s, '<') - 1))
	     ELSE LOWER(TRIM(%[1]s)) END`

const extractDisplay = `
	CASE WHEN INSTR(%[1]s, '<') > 0
	     THEN TRIM(SUBSTR(%[1]s, 1, INSTR(%[1]s, '<') - 1), ' "')
	     ELSE '' END`

func (s *Store) addressSummary(accountID int64, column string, limit int) ([]types.AddressStat, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT %s AS email,
		       MAX(%s) AS display,
		       COUNT(*) AS message_count,
		       COALESCE(SUM(m.size_bytes), 0) AS total_size_bytes
		FROM messages m
		JOIN folders f ON f.id = m.folder_id
		WHERE f.account_id = ? AND m.%s != ''
		GROUP BY email
		ORDER BY total_size_bytes DESC
		LIMIT %d`,
		fmt.Sprintf(extractEmail, "m."+column),
		fmt.Sprintf(extractDisplay, "m."+column),
		column, limit)

	var stats []types.AddressStat
	if err := s.db().Select(&stats, query, accountID); err != nil {
		return nil, fmt.Errorf("summarizing %s: %w", column, err)
	}
	return stats, nil
}

// SenderSummary aggregates cached messages per sender address, largest first.
func (s *Store) SenderSummary(accountID int64, limit int) ([]types.AddressStat, error) {
	return s.addressSummary(accountID, "from_addr", limit)
}

// ReceiverSummary aggregates cached messages per recipient address.
func (s *Store) ReceiverSummary(accountID int64, limit int) ([]types.AddressStat, error) {
	return s.addressSummary(accountID, "to_addr", limit)
}

// FolderTreeSummary returns per-folder counts, sizes and date ranges.
func (s *Store) FolderTreeSummary(accountID int64) ([]types.FolderSummary, error) {
	const query = `
		SELECT f.id, f.name, f.message_count, f.total_size_bytes,
		       COALESCE(MIN(m.date), '') AS oldest_date,
		       COALESCE(MAX(m.date), '') AS newest_date
		FROM folders f
		LEFT JOIN messages m ON m.folder_id = f.id
		WHERE f.account_id = ?
		GROUP BY f.id
		ORDER BY f.name`

	var rows []types.FolderSummary
	if err := s.db().Select(&rows, query, accountID); err != nil {
		return nil, fmt.Errorf("summarizing folders: %w", err)
	}
	return rows, nil
}

// DetachedPair links a still-intact original message with its smaller
// already-detached copy in another folder.
type DetachedPair struct {
	Original types.Message
	Detached types.Message
}

// DetachedPairs finds originals whose attachment-stripped copy already exists
// elsewhere: same Message-ID, one side with attachments and at least 1.5x the
// size of the other. Provider virtual folders are excluded so an All Mail
// alias of the same message does not count as a copy.
func (s *Store) DetachedPairs(accountID int64) ([]DetachedPair, error) {
	const query = `
		SELECT m1.*, f1.name AS folder_name
		FROM messages m1
		JOIN folders f1 ON f1.id = m1.folder_id
		JOIN messages m2 ON m2.message_id = m1.message_id AND m2.id != m1.id
		JOIN folders f2 ON f2.id = m2.folder_id
		WHERE f1.account_id = ? AND f2.account_id = ?
		  AND m1.message_id != ''
		  AND m1.has_attachment = 1 AND m2.has_attachment = 0
		  AND m1.size_bytes >= m2.size_bytes * 1.5
		  AND f1.name NOT LIKE '[Gmail]/%' AND f1.name NOT LIKE '[Google Mail]/%'
		  AND f2.name NOT LIKE '[Gmail]/%' AND f2.name NOT LIKE '[Google Mail]/%'
		ORDER BY m1.size_bytes DESC`

	var originals []dbMessage
	if err := s.db().Select(&originals, query, accountID, accountID); err != nil {
		return nil, fmt.Errorf("finding detached originals: %w", err)
	}

	pairs := make([]DetachedPair, 0, len(originals))
	for i := range originals {
		orig := originals[i].toMessage()
		orig.Tag = "Original"

		const detachedQuery = `
			SELECT m.*, f.name AS folder_name
			FROM messages m
			JOIN folders f ON f.id = m.folder_id
			WHERE f.account_id = ? AND m.message_id = ? AND m.id != ?
			  AND m.has_attachment = 0
			  AND f.name NOT LIKE '[Gmail]/%' AND f.name NOT LIKE '[Google Mail]/%'
			ORDER BY m.size_bytes ASC
			LIMIT 1`
		var row dbMessage
		if err := s.db().Get(&row, detachedQuery, accountID, orig.MessageID, orig.ID); err != nil {
			continue
		}
		det := row.toMessage()
		det.Tag = "Detached Copy"
		pairs = append(pairs, DetachedPair{Original: orig, Detached: det})
	}
	return pairs, nil
}

// DuplicateGroup is one message present under more than one folder.
type DuplicateGroup struct {
	MessageID string
	Copies    []types.Message
}

// DuplicateLabelGroups finds messages cached under multiple folders of the
// same account. On label-based providers each extra label is an alias of the
// same stored message, so removing a label is cheap space-free cleanup;
// provider virtual folders are excluded from the count.
func (s *Store) DuplicateLabelGroups(accountID int64, limit int) ([]DuplicateGroup, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT m.message_id
		FROM messages m
		JOIN folders f ON f.id = m.folder_id
		WHERE f.account_id = ? AND m.message_id != ''
		  AND f.name NOT LIKE '[Gmail]/%%' AND f.name NOT LIKE '[Google Mail]/%%'
		GROUP BY m.message_id
		HAVING COUNT(DISTINCT m.folder_id) > 1
		ORDER BY MAX(m.size_bytes) DESC
		LIMIT %d`, limit)

	var ids []string
	if err := s.db().Select(&ids, query, accountID); err != nil {
		return nil, fmt.Errorf("finding duplicate labels: %w", err)
	}

	groups := make([]DuplicateGroup, 0, len(ids))
	for _, id := range ids {
		const copiesQuery = `
			SELECT m.*, f.name AS folder_name
			FROM messages m
			JOIN folders f ON f.id = m.folder_id
			WHERE f.account_id = ? AND m.message_id = ?
			  AND f.name NOT LIKE '[Gmail]/%' AND f.name NOT LIKE '[Google Mail]/%'
			ORDER BY f.name`
		var rows []dbMessage
		if err := s.db().Select(&rows, copiesQuery, accountID, id); err != nil {
			return nil, fmt.Errorf("loading duplicate group %s: %w", id, err)
		}
		copies := toMessages(rows)
		for i := range copies {
			copies[i].Tag = fmt.Sprintf("%d labels", len(copies))
		}
		groups = append(groups, DuplicateGroup{MessageID: id, Copies: copies})
	}
	return groups, nil
}

// UIDRef is a concrete (folder, UID) handle a pipeline can act on. Refs are
// resolved from the cache just before execution so they reflect the latest
// scan, not the moment a proposal was produced.
type UIDRef struct {
	FolderID   int64  `db:"folder_id"`
	FolderName string `db:"folder_name"`
	UID        uint32 `db:"uid"`
}

// RefsByMessageID resolves every cached copy of a Message-ID to UID refs.
func (s *Store) RefsByMessageID(accountID int64, messageID string) ([]UIDRef, error) {
	const query = `
		SELECT m.folder_id, f.name AS folder_name, m.uid
		FROM messages m
		JOIN folders f ON f.id = m.folder_id
		WHERE f.account_id = ? AND m.message_id = ?
		ORDER BY f.name, m.uid`

	var refs []UIDRef
	if err := s.db().Select(&refs, query, accountID, messageID); err != nil {
		return nil, fmt.Errorf("resolving refs for %s: %w", messageID, err)
	}
	return refs, nil
}

// RefsBySender resolves every cached message from a sender to UID refs,
// optionally restricted to specific folders.
func (s *Store) RefsBySender(accountID int64, sender string, folderIDs []int64) ([]UIDRef, error) {
	conditions := []string{"f.account_id = ?", "m.from_addr LIKE ?"}
	args := []interface{}{accountID, "%" + sender + "%"}

	if len(folderIDs) > 0 {
		placeholders, folderArgs := inClause(folderIDs)
		conditions = append(conditions, fmt.Sprintf("m.folder_id IN (%s)", placeholders))
		args = append(args, folderArgs...)
	}

	query := fmt.Sprintf(`
		SELECT m.folder_id, f.name AS folder_name, m.uid
		FROM messages m
		JOIN folders f ON f.id = m.folder_id
		WHERE %s
		ORDER BY f.name, m.uid`, strings.Join(conditions, " AND "))

	var refs []UIDRef
	if err := s.db().Select(&refs, query, args...); err != nil {
		return nil, fmt.Errorf("resolving refs for sender %s: %w", sender, err)
	}
	return refs, nil
}
