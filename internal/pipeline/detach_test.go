package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jitrc/MailSweep/internal/cache"
	"github.com/jitrc/MailSweep/internal/mimeutil"
)

func TestDetachReplacesOriginal(t *testing.T) {
	h := newHarness(t)
	ref := h.seed(t, "INBOX", 42, rawWithAttachment())

	d := &Detacher{Env: h.env, SaveRoot: t.TempDir()}
	result, err := d.Run(context.Background(), []cache.UIDRef{ref}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, result.Skipped)
	assert.Positive(t, result.BytesFreed)
	require.Len(t, result.SavedFiles, 1)

	// The attachment landed on disk with its decoded content.
	data, err := os.ReadFile(result.SavedFiles[0])
	require.NoError(t, err)
	assert.Equal(t, attachmentContent, data)
	assert.True(t, strings.HasSuffix(result.SavedFiles[0], "1_files.zip"))
	assert.Contains(t, filepath.Dir(result.SavedFiles[0]), "42_Project_files")

	// The original is gone from the server and exactly one replacement
	// exists, carrying the audit header but not the payload.
	require.Len(t, h.server.appends, 1)
	replacement := string(h.server.appends[0])
	assert.Contains(t, replacement, mimeutil.DetachedHeader)
	assert.Contains(t, replacement, "[Attachment detached by MailSweep]")
	assert.NotContains(t, replacement, "Content-Disposition: attachment")

	require.Len(t, h.server.messages["INBOX"], 1)
	assert.Equal(t, []uint32{42}, h.server.expunged["INBOX"])

	// Cache row for the original is dropped; the replacement arrives at
	// the next scan.
	set, err := h.store.UIDSet(ref.FolderID)
	require.NoError(t, err)
	assert.NotContains(t, set, uint32(42))
}

func TestDetachAppendsBeforeDeleting(t *testing.T) {
	h := newHarness(t)
	ref := h.seed(t, "INBOX", 7, rawWithAttachment())

	d := &Detacher{Env: h.env, SaveRoot: t.TempDir()}
	_, err := d.Run(context.Background(), []cache.UIDRef{ref}, nil)
	require.NoError(t, err)

	var appendIdx, deleteIdx int
	for i, op := range h.server.ops {
		if strings.HasPrefix(op, "append") {
			appendIdx = i
		}
		if strings.HasPrefix(op, "markdeleted") {
			deleteIdx = i
		}
	}
	assert.Less(t, appendIdx, deleteIdx,
		"replacement must exist on the server before the original is flagged")
}

func TestDetachStripsRecentFlag(t *testing.T) {
	h := newHarness(t)
	ref := h.seed(t, "INBOX", 7, rawWithAttachment())

	d := &Detacher{Env: h.env, SaveRoot: t.TempDir()}
	_, err := d.Run(context.Background(), []cache.UIDRef{ref}, nil)
	require.NoError(t, err)

	for _, op := range h.server.ops {
		if strings.HasPrefix(op, "append") {
			assert.Contains(t, op, `\Seen`)
			assert.NotContains(t, op, `\Recent`)
		}
	}
}

func TestDetachSkipsMessageWithoutAttachments(t *testing.T) {
	h := newHarness(t)
	ref := h.seed(t, "INBOX", 3, rawPlain())

	d := &Detacher{Env: h.env, SaveRoot: t.TempDir()}
	result, err := d.Run(context.Background(), []cache.UIDRef{ref}, nil)
	require.NoError(t, err)

	assert.Zero(t, result.Processed)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, h.server.appends)
	assert.Empty(t, h.server.expunged)

	// The untouched message stays cached.
	set, err := h.store.UIDSet(ref.FolderID)
	require.NoError(t, err)
	assert.Contains(t, set, uint32(3))
}

func TestDetachRefusesAllMail(t *testing.T) {
	h := newHarness(t)
	ref := h.seed(t, "[Gmail]/All Mail", 8, rawWithAttachment())

	d := &Detacher{Env: h.env, SaveRoot: t.TempDir()}
	result, err := d.Run(context.Background(), []cache.UIDRef{ref}, nil)
	require.NoError(t, err)

	assert.Zero(t, result.Processed)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, h.server.ops)
}

func TestDetachWithoutUIDPlusLeavesFlagged(t *testing.T) {
	h := newHarness(t)
	h.server.uidplus = false
	ref := h.seed(t, "INBOX", 5, rawWithAttachment())

	d := &Detacher{Env: h.env, SaveRoot: t.TempDir()}
	result, err := d.Run(context.Background(), []cache.UIDRef{ref}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	// No expunge of any kind: the flagged original plus the replacement
	// both remain until the user's client expunges.
	assert.Empty(t, h.server.expunged)
	assert.Len(t, h.server.messages["INBOX"], 2)
	assert.Contains(t, h.server.flags["INBOX"][5], `\Deleted`)
}

func TestDetachFetchFailureSkipsMessage(t *testing.T) {
	h := newHarness(t)
	good := h.seed(t, "INBOX", 1, rawWithAttachment())
	missing := cache.UIDRef{FolderID: good.FolderID, FolderName: "INBOX", UID: 999}

	d := &Detacher{Env: h.env, SaveRoot: t.TempDir()}
	result, err := d.Run(context.Background(), []cache.UIDRef{good, missing}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, []uint32{1}, h.server.expunged["INBOX"])
}
