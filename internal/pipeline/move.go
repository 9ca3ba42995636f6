package pipeline

import (
	"context"
	"fmt"

	"github.com/jitrc/MailSweep/internal/cache"
	"github.com/jitrc/MailSweep/pkg/types"
)

// Mover relocates messages into a destination folder, using native MOVE when
// the server offers it and copy+flag+expunge otherwise.
type Mover struct {
	Env
	AccountID int64
}

// MoveResult summarizes one move run.
type MoveResult struct {
	Moved   int
	Skipped int
}

// Run moves every ref into dest, batched per source folder. The cache is
// re-parented after each source folder's batch is confirmed, so a partial
// run leaves the cache consistent with the server for the folders that
// finished.
func (m *Mover) Run(ctx context.Context, refs []cache.UIDRef, dest string, progress ProgressFunc) (*MoveResult, error) {
	if dest == "" {
		return nil, fmt.Errorf("destination folder is empty")
	}

	dstFolder, err := m.Store.GetFolder(m.AccountID, dest)
	if err != nil {
		return nil, err
	}
	if dstFolder == nil {
		dstFolder = &types.Folder{AccountID: m.AccountID, Name: dest}
		if err := m.Store.UpsertFolder(dstFolder); err != nil {
			return nil, err
		}
	}

	result := &MoveResult{}
	total := len(refs)
	done := 0

	for _, group := range groupByFolder(refs) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if group.name == dest {
			result.Skipped += len(group.uids)
			done += len(group.uids)
			continue
		}

		if _, err := m.Session.Select(group.name, false); err != nil {
			return result, err
		}

		if m.Provider.SupportsMove {
			if err := m.Session.Move(group.uids, dest); err != nil {
				return result, err
			}
		} else {
			if err := m.Session.Copy(group.uids, dest); err != nil {
				return result, err
			}
			if err := m.Session.MarkDeleted(group.uids); err != nil {
				return result, err
			}
			if err := expungeOrWarn(&m.Env, group.name, group.uids); err != nil {
				return result, err
			}
		}

		if err := m.Store.MoveMessages(group.folderID, dstFolder.ID, group.uids); err != nil {
			return result, err
		}

		result.Moved += len(group.uids)
		done += len(group.uids)
		report(progress, Progress{Folder: group.name, Done: done, Total: total})
	}
	return result, nil
}
