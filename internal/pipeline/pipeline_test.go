package pipeline

import (
	"encoding/base64"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/jitrc/MailSweep/internal/cache"
	"github.com/jitrc/MailSweep/internal/imapx"
	"github.com/jitrc/MailSweep/pkg/types"
)

// fakeServer is an in-memory IMAP server recording every mutation in order,
// so tests can assert not just what happened but in which sequence.
type fakeServer struct {
	selected string
	messages map[string]map[uint32][]byte
	flags    map[string]map[uint32][]string

	uidplus     bool
	supportMove bool
	failMove    map[string]bool

	ops      []string
	appends  [][]byte
	expunged map[string][]uint32
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		messages:    make(map[string]map[uint32][]byte),
		flags:       make(map[string]map[uint32][]string),
		uidplus:     true,
		supportMove: true,
		failMove:    make(map[string]bool),
		expunged:    make(map[string][]uint32),
	}
}

func (f *fakeServer) addMessage(folder string, uid uint32, raw []byte) {
	if f.messages[folder] == nil {
		f.messages[folder] = make(map[uint32][]byte)
		f.flags[folder] = make(map[uint32][]string)
	}
	f.messages[folder][uid] = raw
	f.flags[folder][uid] = []string{`\Seen`, `\Recent`}
}

func (f *fakeServer) op(format string, args ...interface{}) {
	f.ops = append(f.ops, fmt.Sprintf(format, args...))
}

func (f *fakeServer) ListFolders() ([]imapx.FolderInfo, error) {
	var infos []imapx.FolderInfo
	for name := range f.messages {
		infos = append(infos, imapx.FolderInfo{Name: name, Delimiter: "/"})
	}
	return infos, nil
}

func (f *fakeServer) Select(name string, readOnly bool) (*imapx.MailboxStatus, error) {
	if f.messages[name] == nil {
		f.messages[name] = make(map[uint32][]byte)
		f.flags[name] = make(map[uint32][]string)
	}
	f.selected = name
	f.op("select %s", name)
	return &imapx.MailboxStatus{Name: name, UIDValidity: 1}, nil
}

func (f *fakeServer) ListUIDs() ([]uint32, error) {
	var uids []uint32
	for uid := range f.messages[f.selected] {
		uids = append(uids, uid)
	}
	return uids, nil
}

func (f *fakeServer) FetchStructural([]uint32) ([]imapx.Structural, error) { return nil, nil }

func (f *fakeServer) FetchFull(uid uint32) ([]byte, []string, time.Time, error) {
	raw, ok := f.messages[f.selected][uid]
	if !ok {
		return nil, nil, time.Time{}, fmt.Errorf("uid %d not found in %s", uid, f.selected)
	}
	f.op("fetch %s/%d", f.selected, uid)
	return raw, f.flags[f.selected][uid], time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC), nil
}

func (f *fakeServer) Append(folder string, flags []string, date time.Time, raw []byte) error {
	if f.messages[folder] == nil {
		f.messages[folder] = make(map[uint32][]byte)
		f.flags[folder] = make(map[uint32][]string)
	}
	var next uint32 = 1000
	for uid := range f.messages[folder] {
		if uid >= next {
			next = uid + 1
		}
	}
	f.messages[folder][next] = raw
	f.flags[folder][next] = flags
	f.appends = append(f.appends, raw)
	f.op("append %s flags=%v", folder, flags)
	return nil
}

func (f *fakeServer) MarkDeleted(uids []uint32) error {
	for _, uid := range uids {
		f.flags[f.selected][uid] = append(f.flags[f.selected][uid], `\Deleted`)
	}
	f.op("markdeleted %s %v", f.selected, uids)
	return nil
}

func (f *fakeServer) Expunge(uids []uint32) (bool, error) {
	if !f.uidplus {
		return false, nil
	}
	if len(uids) == 0 {
		return true, nil
	}
	for _, uid := range uids {
		delete(f.messages[f.selected], uid)
		delete(f.flags[f.selected], uid)
	}
	f.expunged[f.selected] = append(f.expunged[f.selected], uids...)
	f.op("expunge %s %v", f.selected, uids)
	return true, nil
}

func (f *fakeServer) Copy(uids []uint32, dest string) error {
	if f.messages[dest] == nil {
		f.messages[dest] = make(map[uint32][]byte)
		f.flags[dest] = make(map[uint32][]string)
	}
	for _, uid := range uids {
		f.messages[dest][uid+10000] = f.messages[f.selected][uid]
		f.flags[dest][uid+10000] = f.flags[f.selected][uid]
	}
	f.op("copy %s->%s %v", f.selected, dest, uids)
	return nil
}

func (f *fakeServer) SupportMove() (bool, error) { return f.supportMove, nil }

func (f *fakeServer) Move(uids []uint32, dest string) error {
	if f.failMove[f.selected] {
		return fmt.Errorf("move failed in %s", f.selected)
	}
	if f.messages[dest] == nil {
		f.messages[dest] = make(map[uint32][]byte)
		f.flags[dest] = make(map[uint32][]string)
	}
	for _, uid := range uids {
		f.messages[dest][uid+10000] = f.messages[f.selected][uid]
		delete(f.messages[f.selected], uid)
	}
	f.op("move %s->%s %v", f.selected, dest, uids)
	return nil
}

func (f *fakeServer) Quota() (*types.Quota, error) { return nil, nil }
func (f *fakeServer) Logout() error                { return nil }

var _ imapx.Session = (*fakeServer)(nil)

// ── shared fixtures ─────────────────────────────────────────────────────────

var attachmentContent = []byte("binary attachment payload 0123456789")

func rawWithAttachment() []byte {
	encoded := base64.StdEncoding.EncodeToString(attachmentContent)
	return []byte("MIME-Version: 1.0\r\n" +
		"From: sender@example.com\r\n" +
		"Subject: Project files\r\n" +
		"Content-Type: multipart/mixed; boundary=BB\r\n" +
		"\r\n" +
		"--BB\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--BB\r\n" +
		"Content-Type: application/zip; name=\"files.zip\"\r\n" +
		"Content-Disposition: attachment; filename=\"files.zip\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		encoded + "\r\n" +
		"--BB--\r\n")
}

func rawPlain() []byte {
	return []byte("From: sender@example.com\r\n" +
		"Subject: note\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"no attachments here\r\n")
}

type harness struct {
	store     *cache.Store
	server    *fakeServer
	provider  *imapx.Provider
	accountID int64
	env       Env
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c, err := cache.New(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	store := cache.NewStore(c, logger)

	accountID, err := store.UpsertAccount(types.Account{
		Name: "test", Host: "imap.test", Port: 993, Username: "u@test",
		AuthMethod: types.AuthPassword, UseTLS: true,
	})
	require.NoError(t, err)

	server := newFakeServer()
	provider := &imapx.Provider{
		TrashFolder:        "[Gmail]/Trash",
		AllMailFolder:      "[Gmail]/All Mail",
		SupportsMove:       true,
		SupportsUIDExpunge: true,
	}

	return &harness{
		store:     store,
		server:    server,
		provider:  provider,
		accountID: accountID,
		env: Env{
			Session:  server,
			Provider: provider,
			Store:    store,
			Logger:   logger,
		},
	}
}

// seed puts a message on the fake server and in the cache, returning its ref.
func (h *harness) seed(t *testing.T, folder string, uid uint32, raw []byte) cache.UIDRef {
	t.Helper()
	h.server.addMessage(folder, uid, raw)

	f := &types.Folder{AccountID: h.accountID, Name: folder, Delimiter: "/", UIDValidity: 1}
	require.NoError(t, h.store.UpsertFolder(f))
	require.NoError(t, h.store.UpsertMessages(f.ID, []types.Message{{
		UID:       uid,
		MessageID: fmt.Sprintf("<%s-%d@test>", folder, uid),
		From:      "sender@example.com",
		Subject:   "Project files",
		SizeBytes: int64(len(raw)),
	}}))
	return cache.UIDRef{FolderID: f.ID, FolderName: folder, UID: uid}
}
