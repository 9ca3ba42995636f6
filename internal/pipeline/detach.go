package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/jitrc/MailSweep/internal/cache"
	"github.com/jitrc/MailSweep/internal/mimeutil"
)

// Detacher downloads messages, saves their attachments under SaveRoot and
// replaces each original on the server with a stripped copy. The replacement
// is appended and verified before the original is touched, so a failure at
// any step leaves at worst an extra copy, never a lost message.
type Detacher struct {
	Env
	SaveRoot string
}

// DetachResult summarizes one detach run.
type DetachResult struct {
	Processed  int
	Skipped    int
	BytesFreed int64
	SavedFiles []string
}

// Run detaches attachments from every ref. Refs are grouped per folder;
// expunge happens once per folder after all its replacements are in place.
func (d *Detacher) Run(ctx context.Context, refs []cache.UIDRef, progress ProgressFunc) (*DetachResult, error) {
	result := &DetachResult{}
	total := len(refs)
	done := 0

	for _, group := range groupByFolder(refs) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if d.Provider.IsAllMail(group.name) {
			// Expunging in All Mail destroys the message under every label.
			d.Logger.WithField("folder", group.name).
				Warn("refusing to detach inside the provider All Mail folder")
			result.Skipped += len(group.uids)
			done += len(group.uids)
			continue
		}

		if _, err := d.Session.Select(group.name, false); err != nil {
			return result, err
		}

		var replaced []uint32
		for _, uid := range group.uids {
			if err := ctx.Err(); err != nil {
				break
			}
			ok, freed, files, err := d.detachOne(group.name, uid)
			done++
			if err != nil {
				d.Logger.WithError(err).WithFields(logrus.Fields{
					"folder": group.name,
					"uid":    uid,
				}).Warn("detach failed, original left untouched")
				result.Skipped++
				continue
			}
			if !ok {
				result.Skipped++
				continue
			}
			replaced = append(replaced, uid)
			result.Processed++
			result.BytesFreed += freed
			result.SavedFiles = append(result.SavedFiles, files...)
			report(progress, Progress{Folder: group.name, Done: done, Total: total})
		}

		if len(replaced) > 0 {
			if err := expungeOrWarn(&d.Env, group.name, replaced); err != nil {
				return result, err
			}
			if err := d.Store.DeleteMessages(group.folderID, replaced); err != nil {
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}
	return result, nil
}

// detachOne handles a single message: download, save attachments, append the
// stripped copy, then flag the original \Deleted. The order matters: the
// original is only flagged after the replacement exists on the server.
func (d *Detacher) detachOne(folder string, uid uint32) (bool, int64, []string, error) {
	raw, flags, internalDate, err := d.Session.FetchFull(uid)
	if err != nil {
		return false, 0, nil, err
	}

	subject := rawSubject(raw)
	saveDir, err := mimeutil.SafeJoin(d.SaveRoot,
		mimeutil.Slug(folder, 50),
		fmt.Sprintf("%d_%s", uid, mimeutil.Slug(subject, 50)))
	if err != nil {
		return false, 0, nil, err
	}

	var saved []string
	idx := 0
	save := func(filename, mimeType string, data []byte) (string, error) {
		idx++
		if err := os.MkdirAll(saveDir, 0o755); err != nil {
			return "", err
		}
		path, err := mimeutil.SafeJoin(saveDir, fmt.Sprintf("%d_%s", idx, filename))
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", err
		}
		saved = append(saved, path)
		return path, nil
	}

	audit := fmt.Sprintf("uid=%d; detached=%s", uid, time.Now().UTC().Format(time.RFC3339))
	stripped, parts, err := mimeutil.StripAttachments(raw, audit, save)
	if err != nil {
		return false, 0, nil, err
	}
	if len(parts) == 0 {
		return false, 0, nil, nil
	}

	// \Recent is server-managed and must not be appended back.
	newFlags := make([]string, 0, len(flags))
	for _, f := range flags {
		if f != `\Recent` {
			newFlags = append(newFlags, f)
		}
	}

	if err := d.Session.Append(folder, newFlags, internalDate, stripped); err != nil {
		return false, 0, nil, fmt.Errorf("appending stripped copy: %w", err)
	}
	if err := d.Session.MarkDeleted([]uint32{uid}); err != nil {
		return false, 0, nil, fmt.Errorf("flagging original: %w", err)
	}

	freed := int64(len(raw)) - int64(len(stripped))
	if freed < 0 {
		freed = 0
	}
	return true, freed, saved, nil
}

// rawSubject extracts the decoded subject for use in save paths. A parse
// failure just yields an empty subject, not a pipeline error.
func rawSubject(raw []byte) string {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	return env.GetHeader("Subject")
}
