package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jitrc/MailSweep/internal/cache"
)

func TestRemoveLabel(t *testing.T) {
	h := newHarness(t)
	ref := h.seed(t, "Newsletters", 15, rawPlain())
	// The same message also exists under All Mail; removing the label must
	// not touch it there.
	alias := h.seed(t, "[Gmail]/All Mail", 800, rawPlain())

	r := &LabelRemover{Env: h.env}
	result, err := r.Run(context.Background(), []cache.UIDRef{ref}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)

	assert.Empty(t, h.server.messages["Newsletters"])
	assert.Len(t, h.server.messages["[Gmail]/All Mail"], 1)

	set, _ := h.store.UIDSet(ref.FolderID)
	assert.Empty(t, set)
	aliasSet, _ := h.store.UIDSet(alias.FolderID)
	assert.Contains(t, aliasSet, uint32(800))
}

func TestRemoveLabelRefusesWithoutAllMail(t *testing.T) {
	h := newHarness(t)
	h.provider.AllMailFolder = ""
	ref := h.seed(t, "Newsletters", 1, rawPlain())

	r := &LabelRemover{Env: h.env}
	_, err := r.Run(context.Background(), []cache.UIDRef{ref}, nil)
	require.Error(t, err)
	assert.Empty(t, h.server.ops)
}

func TestRemoveLabelSkipsVirtualFolders(t *testing.T) {
	h := newHarness(t)
	ref := h.seed(t, "[Gmail]/All Mail", 2, rawPlain())

	r := &LabelRemover{Env: h.env}
	result, err := r.Run(context.Background(), []cache.UIDRef{ref}, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Removed)
	assert.Equal(t, 1, result.Skipped)
	assert.Len(t, h.server.messages["[Gmail]/All Mail"], 1)
}
