package pipeline

import (
	"context"

	"github.com/jitrc/MailSweep/internal/cache"
)

// Deleter removes messages from the server. On label-based providers a
// message visible in All Mail is not gone until it reaches the trash folder,
// so every delete outside trash copies there first.
type Deleter struct {
	Env
}

// DeleteResult summarizes one delete run.
type DeleteResult struct {
	Deleted    int
	BytesFreed int64
}

// Run deletes every ref, folder by folder. The cache is updated per folder
// after the server confirms, so cancelling mid-run leaves the cache matching
// the folders that actually completed.
func (d *Deleter) Run(ctx context.Context, refs []cache.UIDRef, sizeOf func(cache.UIDRef) int64, progress ProgressFunc) (*DeleteResult, error) {
	result := &DeleteResult{}
	total := len(refs)
	done := 0

	for _, group := range groupByFolder(refs) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := d.Session.Select(group.name, false); err != nil {
			return result, err
		}

		// Copy to trash before flagging. In All Mail this is what makes the
		// delete real; elsewhere it gives the user the normal trash grace
		// period. Already-trashed messages skip straight to the flag.
		if !d.Provider.IsTrash(group.name) && d.Provider.TrashFolder != "" {
			if err := d.Session.Copy(group.uids, d.Provider.TrashFolder); err != nil {
				return result, err
			}
		}

		if err := d.Session.MarkDeleted(group.uids); err != nil {
			return result, err
		}
		if err := expungeOrWarn(&d.Env, group.name, group.uids); err != nil {
			return result, err
		}

		if err := d.Store.DeleteMessages(group.folderID, group.uids); err != nil {
			return result, err
		}
		if err := d.Store.UpdateFolderStats(group.folderID); err != nil {
			return result, err
		}

		result.Deleted += len(group.uids)
		done += len(group.uids)
		if sizeOf != nil {
			for _, uid := range group.uids {
				result.BytesFreed += sizeOf(cache.UIDRef{FolderID: group.folderID, FolderName: group.name, UID: uid})
			}
		}
		report(progress, Progress{Folder: group.name, Done: done, Total: total})
	}
	return result, nil
}
