package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jitrc/MailSweep/internal/cache"
)

func TestDeleteCopiesToTrashFirst(t *testing.T) {
	h := newHarness(t)
	ref := h.seed(t, "INBOX", 10, rawPlain())

	d := &Deleter{Env: h.env}
	result, err := d.Run(context.Background(), []cache.UIDRef{ref}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	require.Len(t, h.server.ops, 4)
	assert.Equal(t, "select INBOX", h.server.ops[0])
	assert.True(t, strings.HasPrefix(h.server.ops[1], "copy INBOX->[Gmail]/Trash"))
	assert.True(t, strings.HasPrefix(h.server.ops[2], "markdeleted"))
	assert.True(t, strings.HasPrefix(h.server.ops[3], "expunge"))

	// Gone from the source, present in trash, gone from the cache.
	assert.Empty(t, h.server.messages["INBOX"])
	assert.Len(t, h.server.messages["[Gmail]/Trash"], 1)
	set, err := h.store.UIDSet(ref.FolderID)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestDeleteInAllMailStillReachesTrash(t *testing.T) {
	// On label-based providers expunging from All Mail without the trash
	// copy would orphan the message; the copy is what makes it a delete.
	h := newHarness(t)
	ref := h.seed(t, "[Gmail]/All Mail", 20, rawPlain())

	d := &Deleter{Env: h.env}
	result, err := d.Run(context.Background(), []cache.UIDRef{ref}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	copied := false
	for _, op := range h.server.ops {
		if strings.HasPrefix(op, "copy [Gmail]/All Mail->[Gmail]/Trash") {
			copied = true
		}
	}
	assert.True(t, copied)
	assert.Len(t, h.server.messages["[Gmail]/Trash"], 1)
}

func TestDeleteInTrashSkipsCopy(t *testing.T) {
	h := newHarness(t)
	ref := h.seed(t, "[Gmail]/Trash", 30, rawPlain())

	d := &Deleter{Env: h.env}
	_, err := d.Run(context.Background(), []cache.UIDRef{ref}, nil, nil)
	require.NoError(t, err)

	for _, op := range h.server.ops {
		assert.False(t, strings.HasPrefix(op, "copy"), "unexpected %s", op)
	}
	assert.Empty(t, h.server.messages["[Gmail]/Trash"])
}

func TestDeleteWithoutUIDPlusNeverExpunges(t *testing.T) {
	h := newHarness(t)
	h.server.uidplus = false
	ref := h.seed(t, "INBOX", 40, rawPlain())

	d := &Deleter{Env: h.env}
	result, err := d.Run(context.Background(), []cache.UIDRef{ref}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)

	// Flagged and copied, but nothing expunged.
	assert.Empty(t, h.server.expunged)
	assert.Contains(t, h.server.flags["INBOX"][40], `\Deleted`)
	assert.Len(t, h.server.messages["[Gmail]/Trash"], 1)
}

func TestDeleteReportsFreedBytes(t *testing.T) {
	h := newHarness(t)
	ref := h.seed(t, "INBOX", 50, rawPlain())

	sizes := map[uint32]int64{50: 12345}
	d := &Deleter{Env: h.env}
	result, err := d.Run(context.Background(), []cache.UIDRef{ref},
		func(r cache.UIDRef) int64 { return sizes[r.UID] }, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), result.BytesFreed)
}

func TestDeleteCancelledBetweenFolders(t *testing.T) {
	h := newHarness(t)
	a := h.seed(t, "Alpha", 1, rawPlain())
	b := h.seed(t, "Beta", 2, rawPlain())

	ctx, cancel := context.WithCancel(context.Background())
	d := &Deleter{Env: h.env}
	result, err := d.Run(ctx, []cache.UIDRef{a, b}, nil, func(p Progress) {
		if p.Folder == "Alpha" {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, result.Deleted)

	// Alpha's delete is confirmed everywhere, Beta's never started.
	setA, _ := h.store.UIDSet(a.FolderID)
	assert.Empty(t, setA)
	setB, _ := h.store.UIDSet(b.FolderID)
	assert.Contains(t, setB, uint32(2))
	assert.Len(t, h.server.messages["Beta"], 1)
}
