package pipeline

import (
	"context"
	"fmt"

	"github.com/jitrc/MailSweep/internal/cache"
)

// LabelRemover strips one label from messages on a label-based provider.
// Expunging a UID from a label folder detaches the label while the message
// itself stays reachable through All Mail and its other labels, so this
// frees organizational clutter without deleting anything.
type LabelRemover struct {
	Env
}

// RemoveLabelResult summarizes one label-removal run.
type RemoveLabelResult struct {
	Removed int
	Skipped int
}

// Run removes each ref from its folder. Only meaningful on servers with an
// All Mail folder; everywhere else an expunge is a true delete and the run
// refuses to start.
func (r *LabelRemover) Run(ctx context.Context, refs []cache.UIDRef, progress ProgressFunc) (*RemoveLabelResult, error) {
	if r.Provider.AllMailFolder == "" {
		return nil, fmt.Errorf("server has no All Mail folder, removing a label here would delete the message")
	}

	result := &RemoveLabelResult{}
	total := len(refs)
	done := 0

	for _, group := range groupByFolder(refs) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if r.Provider.IsVirtual(group.name) {
			// Provider folders are not labels; expunging there is a delete.
			r.Logger.WithField("folder", group.name).Warn("skipping provider virtual folder")
			result.Skipped += len(group.uids)
			done += len(group.uids)
			continue
		}

		if _, err := r.Session.Select(group.name, false); err != nil {
			return result, err
		}
		if err := r.Session.MarkDeleted(group.uids); err != nil {
			return result, err
		}
		if err := expungeOrWarn(&r.Env, group.name, group.uids); err != nil {
			return result, err
		}

		if err := r.Store.DeleteMessages(group.folderID, group.uids); err != nil {
			return result, err
		}
		if err := r.Store.UpdateFolderStats(group.folderID); err != nil {
			return result, err
		}

		result.Removed += len(group.uids)
		done += len(group.uids)
		report(progress, Progress{Folder: group.name, Done: done, Total: total})
	}
	return result, nil
}
