// Package pipeline implements the mutation operations that act on the
// server: detaching attachments, backing up, deleting, moving and removing
// labels. Every pipeline shares the same discipline: act on the server in an
// order that can only leave extra copies behind, confirm, then update the
// cache for exactly the refs that succeeded.
package pipeline

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/jitrc/MailSweep/internal/cache"
	"github.com/jitrc/MailSweep/internal/imapx"
)

// Env carries the shared dependencies of one pipeline run. The session is
// owned by the run for its whole lifetime.
type Env struct {
	Session  imapx.Session
	Provider *imapx.Provider
	Store    *cache.Store
	Logger   *logrus.Logger
}

// Progress reports per-message pipeline progress.
type Progress struct {
	Folder string
	Done   int
	Total  int
}

// ProgressFunc receives progress updates; nil disables reporting.
type ProgressFunc func(Progress)

func report(fn ProgressFunc, p Progress) {
	if fn != nil {
		fn(p)
	}
}

// folderGroup is one folder's worth of refs, UIDs sorted ascending.
type folderGroup struct {
	folderID int64
	name     string
	uids     []uint32
}

// groupByFolder batches refs per source folder so each folder is selected
// once and its UIDs handled together. Groups come back in folder-name order
// so runs are deterministic.
func groupByFolder(refs []cache.UIDRef) []folderGroup {
	byID := make(map[int64]*folderGroup)
	for _, ref := range refs {
		g, ok := byID[ref.FolderID]
		if !ok {
			g = &folderGroup{folderID: ref.FolderID, name: ref.FolderName}
			byID[ref.FolderID] = g
		}
		g.uids = append(g.uids, ref.UID)
	}

	groups := make([]folderGroup, 0, len(byID))
	for _, g := range byID {
		sort.Slice(g.uids, func(i, j int) bool { return g.uids[i] < g.uids[j] })
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].name < groups[j].name })
	return groups
}

// expungeOrWarn removes exactly the given UIDs when the server supports it.
// Without UIDPLUS nothing is expunged: a full-mailbox EXPUNGE would sweep up
// unrelated \Deleted messages, so the flagged originals are left for the
// user's client to collect.
func expungeOrWarn(env *Env, folder string, uids []uint32) error {
	supported, err := env.Session.Expunge(uids)
	if err != nil {
		return err
	}
	if !supported {
		env.Logger.WithFields(logrus.Fields{
			"folder": folder,
			"count":  len(uids),
		}).Warn("server lacks UIDPLUS, messages left flagged \\Deleted instead of expunged")
	}
	return nil
}
