package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/jitrc/MailSweep/internal/cache"
	"github.com/jitrc/MailSweep/internal/mimeutil"
)

// Backup downloads complete messages into local .eml files. It never mutates
// the server; the only writes are under BackupRoot.
type Backup struct {
	Env
	BackupRoot string
}

// BackupResult summarizes one backup run.
type BackupResult struct {
	Saved      int
	Failed     int
	TotalBytes int64
	Paths      []string
}

// Run saves every ref as <root>/<folder>/<uid>_<subject>.eml. Each file is
// written to a temp name and renamed only after the byte count matches the
// download, so a crash never leaves a plausible-looking partial backup.
func (b *Backup) Run(ctx context.Context, refs []cache.UIDRef, progress ProgressFunc) (*BackupResult, error) {
	result := &BackupResult{}
	total := len(refs)
	done := 0

	for _, group := range groupByFolder(refs) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := b.Session.Select(group.name, true); err != nil {
			return result, err
		}

		for _, uid := range group.uids {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			path, n, err := b.backupOne(group.name, uid)
			done++
			if err != nil {
				b.Logger.WithError(err).WithFields(logrus.Fields{
					"folder": group.name,
					"uid":    uid,
				}).Warn("backup failed")
				result.Failed++
				continue
			}
			result.Saved++
			result.TotalBytes += n
			result.Paths = append(result.Paths, path)
			report(progress, Progress{Folder: group.name, Done: done, Total: total})
		}
	}
	return result, nil
}

func (b *Backup) backupOne(folder string, uid uint32) (string, int64, error) {
	raw, _, _, err := b.Session.FetchFull(uid)
	if err != nil {
		return "", 0, err
	}

	subject := rawSubject(raw)
	dir, err := mimeutil.SafeJoin(b.BackupRoot, mimeutil.Slug(folder, 50))
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	path, err := mimeutil.SafeJoin(dir, fmt.Sprintf("%d_%s.eml", uid, mimeutil.Slug(subject, 50)))
	if err != nil {
		return "", 0, err
	}

	tmp := path + ".partial"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return "", 0, err
	}
	info, err := os.Stat(tmp)
	if err != nil {
		return "", 0, err
	}
	if info.Size() != int64(len(raw)) {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("short write: %d of %d bytes", info.Size(), len(raw))
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", 0, err
	}
	return path, int64(len(raw)), nil
}
