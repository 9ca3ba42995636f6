package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"

	"github.com/jitrc/MailSweep/internal/cache"
	"github.com/jitrc/MailSweep/internal/imapx"
	"github.com/jitrc/MailSweep/internal/mimeutil"
	"github.com/jitrc/MailSweep/pkg/types"
)

// ErrUIDValidityChanged signals that a folder's cached UIDs are no longer
// meaningful and a full rescan was forced.
var ErrUIDValidityChanged = errors.New("folder UIDVALIDITY changed")

// Progress is one unit of scan progress reported to the caller.
type Progress struct {
	Folder  string
	Fetched int
	Total   int
}

// Summary aggregates the outcome of one account scan.
type Summary struct {
	FoldersScanned  int
	FoldersFailed   int
	MessagesFetched int
	MessagesRemoved int
	FullRescans     int
}

// Engine synchronizes the structural metadata of an account's folders into
// the cache. It fetches envelope, size and body structure only; message
// bodies never cross the wire during a scan.
type Engine struct {
	store     *cache.Store
	batchSize int
	logger    *logrus.Logger
}

// NewEngine creates a scan engine. batchSize bounds the UID range of one
// FETCH round trip.
func NewEngine(store *cache.Store, batchSize int, logger *logrus.Logger) *Engine {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Engine{store: store, batchSize: batchSize, logger: logger}
}

// ScanAccount scans every selectable folder of an account. A failing folder
// is logged and skipped; the rest of the account still completes. Returns
// the summary together with the first context error, if any.
func (e *Engine) ScanAccount(ctx context.Context, session imapx.Session, accountID int64, progress func(Progress)) (*Summary, error) {
	folders, err := session.ListFolders()
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}

	summary := &Summary{}
	for _, info := range folders {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if !selectable(info) {
			continue
		}

		fetched, removed, err := e.scanFolder(ctx, session, accountID, info, progress)
		summary.MessagesFetched += fetched
		summary.MessagesRemoved += removed
		if errors.Is(err, ErrUIDValidityChanged) {
			summary.FullRescans++
			err = nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.FoldersFailed++
			e.logger.WithError(err).WithField("folder", info.Name).Warn("folder scan failed, skipping")
			continue
		}
		summary.FoldersScanned++
	}
	return summary, nil
}

func selectable(info imapx.FolderInfo) bool {
	for _, attr := range info.Attributes {
		if strings.EqualFold(attr, `\Noselect`) {
			return false
		}
	}
	return true
}

// scanFolder diffs the server's UID set against the cache and fetches only
// what changed. When the server reports a different UIDVALIDITY the cached
// rows are dropped and the whole folder is refetched.
func (e *Engine) scanFolder(ctx context.Context, session imapx.Session, accountID int64, info imapx.FolderInfo, progress func(Progress)) (fetched, removed int, err error) {
	status, err := session.Select(info.Name, true)
	if err != nil {
		return 0, 0, err
	}

	folder, err := e.store.GetFolder(accountID, info.Name)
	if err != nil {
		return 0, 0, err
	}
	if folder == nil {
		folder = &types.Folder{
			AccountID: accountID,
			Name:      info.Name,
			Delimiter: info.Delimiter,
		}
	}

	invalidated := false
	if folder.ID != 0 && folder.UIDValidity != 0 && folder.UIDValidity != status.UIDValidity {
		e.logger.WithFields(logrus.Fields{
			"folder": info.Name,
			"cached": folder.UIDValidity,
			"server": status.UIDValidity,
		}).Warn("UIDVALIDITY changed, invalidating folder cache")
		if err := e.store.InvalidateFolder(folder.ID); err != nil {
			return 0, 0, err
		}
		invalidated = true
	}

	folder.UIDValidity = status.UIDValidity
	folder.Delimiter = info.Delimiter
	if err := e.store.UpsertFolder(folder); err != nil {
		return 0, 0, err
	}

	serverUIDs, err := session.ListUIDs()
	if err != nil {
		return 0, 0, err
	}
	cached, err := e.store.UIDSet(folder.ID)
	if err != nil {
		return 0, 0, err
	}

	serverSet := make(map[uint32]struct{}, len(serverUIDs))
	var missing []uint32
	for _, uid := range serverUIDs {
		serverSet[uid] = struct{}{}
		if _, ok := cached[uid]; !ok {
			missing = append(missing, uid)
		}
	}
	var gone []uint32
	for uid := range cached {
		if _, ok := serverSet[uid]; !ok {
			gone = append(gone, uid)
		}
	}

	if err := e.store.DeleteMessages(folder.ID, gone); err != nil {
		return 0, 0, err
	}
	removed = len(gone)

	for start := 0; start < len(missing); start += e.batchSize {
		if err := ctx.Err(); err != nil {
			return fetched, removed, err
		}
		end := start + e.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]

		entries, err := session.FetchStructural(batch)
		if err != nil {
			// One retry per batch covers transient fetch hiccups.
			e.logger.WithError(err).WithField("folder", info.Name).Debug("batch fetch failed, retrying once")
			entries, err = session.FetchStructural(batch)
			if err != nil {
				return fetched, removed, fmt.Errorf("fetching batch of %d: %w", len(batch), err)
			}
		}

		msgs := make([]types.Message, 0, len(entries))
		for i := range entries {
			msgs = append(msgs, buildMessage(folder.ID, &entries[i]))
		}
		if err := e.store.UpsertMessages(folder.ID, msgs); err != nil {
			return fetched, removed, err
		}
		fetched += len(msgs)
		if progress != nil {
			progress(Progress{Folder: info.Name, Fetched: fetched, Total: len(missing)})
		}
	}

	now := time.Now().UTC()
	folder.LastScannedAt = &now
	if err := e.store.UpsertFolder(folder); err != nil {
		return fetched, removed, err
	}
	if err := e.store.UpdateFolderStats(folder.ID); err != nil {
		return fetched, removed, err
	}

	if invalidated {
		return fetched, removed, ErrUIDValidityChanged
	}
	return fetched, removed, nil
}

func buildMessage(folderID int64, entry *imapx.Structural) types.Message {
	m := types.Message{
		FolderID:  folderID,
		UID:       entry.UID,
		SizeBytes: int64(entry.Size),
		Flags:     entry.Flags,
		Date:      entry.InternalDate,
	}
	if env := entry.Envelope; env != nil {
		m.MessageID = env.MessageId
		m.InReplyTo = env.InReplyTo
		m.Subject = env.Subject
		m.From = formatAddresses(env.From, 1)
		m.To = formatAddresses(env.To, 5)
		if !env.Date.IsZero() {
			m.Date = env.Date
		}
	}
	m.Attachments = mimeutil.ParseStructure(entry.Structure)
	m.HasAttachment = len(m.Attachments) > 0
	return m
}

func formatAddresses(addrs []*imap.Address, max int) string {
	if len(addrs) == 0 {
		return ""
	}
	if len(addrs) > max {
		addrs = addrs[:max]
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		if a.PersonalName != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.PersonalName, a.Address()))
		} else {
			parts = append(parts, a.Address())
		}
	}
	return strings.Join(parts, ", ")
}
