package imapx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jitrc/MailSweep/pkg/types"
)

type stubSession struct {
	folders []FolderInfo
	move    bool
	uidplus bool
}

func (s *stubSession) ListFolders() ([]FolderInfo, error)                     { return s.folders, nil }
func (s *stubSession) Select(string, bool) (*MailboxStatus, error)            { return nil, nil }
func (s *stubSession) ListUIDs() ([]uint32, error)                            { return nil, nil }
func (s *stubSession) FetchStructural([]uint32) ([]Structural, error)         { return nil, nil }
func (s *stubSession) FetchFull(uint32) ([]byte, []string, time.Time, error) {
	return nil, nil, time.Time{}, nil
}
func (s *stubSession) Append(string, []string, time.Time, []byte) error { return nil }
func (s *stubSession) MarkDeleted([]uint32) error                       { return nil }
func (s *stubSession) Expunge([]uint32) (bool, error)                   { return s.uidplus, nil }
func (s *stubSession) Copy([]uint32, string) error                      { return nil }
func (s *stubSession) SupportMove() (bool, error)                       { return s.move, nil }
func (s *stubSession) Move([]uint32, string) error                      { return nil }
func (s *stubSession) Quota() (*types.Quota, error)                     { return nil, nil }
func (s *stubSession) Logout() error                                    { return nil }

var _ Session = (*stubSession)(nil)

func TestDetectProviderGmailBySpecialUse(t *testing.T) {
	session := &stubSession{
		folders: []FolderInfo{
			{Name: "INBOX"},
			{Name: "[Gmail]/All Mail", Attributes: []string{`\All`, `\HasNoChildren`}},
			{Name: "[Gmail]/Trash", Attributes: []string{`\Trash`}},
		},
		move:    true,
		uidplus: true,
	}

	p, err := DetectProvider(session, "", "")
	require.NoError(t, err)
	assert.Equal(t, "[Gmail]/Trash", p.TrashFolder)
	assert.Equal(t, "[Gmail]/All Mail", p.AllMailFolder)
	assert.True(t, p.SupportsMove)
	assert.True(t, p.SupportsUIDExpunge)
}

func TestDetectProviderByWellKnownNames(t *testing.T) {
	session := &stubSession{
		folders: []FolderInfo{
			{Name: "INBOX"},
			{Name: "Deleted Items"},
			{Name: "Sent Items"},
		},
	}

	p, err := DetectProvider(session, "", "")
	require.NoError(t, err)
	assert.Equal(t, "Deleted Items", p.TrashFolder)
	assert.Empty(t, p.AllMailFolder)
	assert.False(t, p.SupportsMove)
	assert.False(t, p.SupportsUIDExpunge)
}

func TestDetectProviderOverridesWin(t *testing.T) {
	session := &stubSession{
		folders: []FolderInfo{
			{Name: "INBOX"},
			{Name: "Trash", Attributes: []string{`\Trash`}},
		},
	}

	p, err := DetectProvider(session, "Custom/Wastebin", "Custom/Everything")
	require.NoError(t, err)
	assert.Equal(t, "Custom/Wastebin", p.TrashFolder)
	assert.Equal(t, "Custom/Everything", p.AllMailFolder)
}

func TestProviderClassifiers(t *testing.T) {
	p := &Provider{TrashFolder: "[Gmail]/Trash", AllMailFolder: "[Gmail]/All Mail"}

	assert.True(t, p.IsAllMail("[Gmail]/All Mail"))
	assert.True(t, p.IsAllMail("[Google Mail]/All Mail"))
	assert.False(t, p.IsAllMail("INBOX"))

	assert.True(t, p.IsTrash("[Gmail]/Trash"))
	assert.True(t, p.IsTrash("[gmail]/trash"))
	assert.False(t, p.IsTrash("Trash"))

	assert.True(t, p.IsVirtual("[Gmail]/Spam"))
	assert.True(t, p.IsVirtual("[Google Mail]/Important"))
	assert.False(t, p.IsVirtual("Work/Projects"))
}
