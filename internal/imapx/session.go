package imapx

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap-quota"
	"github.com/emersion/go-imap-uidplus"
	"github.com/sirupsen/logrus"

	"github.com/jitrc/MailSweep/pkg/types"
)

// FolderInfo is one mailbox as reported by LIST.
type FolderInfo struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// MailboxStatus is the subset of SELECT state the scan engine needs.
type MailboxStatus struct {
	Name        string
	UIDValidity uint32
	Messages    uint32
}

// Structural is the metadata of one message fetched without its body.
type Structural struct {
	UID          uint32
	Envelope     *imap.Envelope
	Size         uint32
	Flags        []string
	Structure    *imap.BodyStructure
	InternalDate time.Time
}

// Session is the connection surface the scan engine and the pipelines run
// against. One Session wraps one authenticated IMAP connection; pipelines own
// their Session for the lifetime of a run.
type Session interface {
	// ListFolders lists all mailboxes on the server.
	ListFolders() ([]FolderInfo, error)

	// Select opens a mailbox and returns its status. Every UID-based call
	// below operates on the selected mailbox.
	Select(name string, readOnly bool) (*MailboxStatus, error)

	// ListUIDs returns the UIDs of all non-deleted messages in the selected
	// mailbox.
	ListUIDs() ([]uint32, error)

	// FetchStructural fetches envelope, size, flags and body structure for
	// the given UIDs. Bodies are never transferred.
	FetchStructural(uids []uint32) ([]Structural, error)

	// FetchFull downloads one complete message without setting \Seen.
	FetchFull(uid uint32) (raw []byte, flags []string, internalDate time.Time, err error)

	// Append uploads a message to a mailbox.
	Append(folder string, flags []string, date time.Time, raw []byte) error

	// MarkDeleted sets \Deleted on the given UIDs in the selected mailbox.
	MarkDeleted(uids []uint32) error

	// Expunge permanently removes exactly the given UIDs. When the server
	// does not support UIDPLUS it returns supported=false and removes
	// nothing; a full-mailbox EXPUNGE is never issued.
	Expunge(uids []uint32) (supported bool, err error)

	// Copy copies UIDs from the selected mailbox into dest.
	Copy(uids []uint32, dest string) error

	// SupportMove reports whether the server implements the MOVE extension.
	SupportMove() (bool, error)

	// Move moves UIDs from the selected mailbox into dest using native MOVE.
	Move(uids []uint32, dest string) error

	// Quota reports storage usage, or nil when the server has no QUOTA
	// support.
	Quota() (*types.Quota, error)

	// Logout closes the connection.
	Logout() error
}

// Client implements Session on top of a go-imap connection.
type Client struct {
	cl      *client.Client
	uidplus *uidplus.Client
	logger  *logrus.Logger
}

var _ Session = (*Client)(nil)

// Dial connects to the account's IMAP server and authenticates with the
// given secret (password or OAuth2 access token, per the account's auth
// method).
func Dial(acc types.Account, secret string, logger *logrus.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", acc.Host, acc.Port)
	tlsConfig := &tls.Config{ServerName: acc.Host}

	var cl *client.Client
	var err error
	if acc.UseTLS {
		cl, err = client.DialTLS(addr, tlsConfig)
	} else {
		cl, err = client.Dial(addr)
		if err == nil {
			if startErr := cl.StartTLS(tlsConfig); startErr != nil {
				logger.WithError(startErr).Warn("STARTTLS not available, continuing on plaintext")
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	switch acc.AuthMethod {
	case types.AuthXOAuth2:
		err = cl.Authenticate(NewXOAuth2Client(acc.Username, secret))
	default:
		err = cl.Login(acc.Username, secret)
	}
	if err != nil {
		cl.Logout()
		return nil, fmt.Errorf("authenticating %s: %w", acc.Username, err)
	}

	logger.WithFields(logrus.Fields{
		"host":     acc.Host,
		"username": acc.Username,
	}).Debug("IMAP session established")

	return &Client{
		cl:      cl,
		uidplus: uidplus.NewClient(cl),
		logger:  logger,
	}, nil
}

func (c *Client) ListFolders() ([]FolderInfo, error) {
	mailboxes := make(chan *imap.MailboxInfo, 20)
	done := make(chan error, 1)
	go func() {
		done <- c.cl.List("", "*", mailboxes)
	}()

	var folders []FolderInfo
	for mbox := range mailboxes {
		folders = append(folders, FolderInfo{
			Name:       mbox.Name,
			Delimiter:  mbox.Delimiter,
			Attributes: mbox.Attributes,
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	return folders, nil
}

func (c *Client) Select(name string, readOnly bool) (*MailboxStatus, error) {
	status, err := c.cl.Select(name, readOnly)
	if err != nil {
		return nil, fmt.Errorf("selecting %s: %w", name, err)
	}
	return &MailboxStatus{
		Name:        status.Name,
		UIDValidity: status.UidValidity,
		Messages:    status.Messages,
	}, nil
}

func (c *Client) ListUIDs() ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	uids, err := c.cl.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("searching uids: %w", err)
	}
	return uids, nil
}

func (c *Client) FetchStructural(uids []uint32) ([]Structural, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchRFC822Size,
		imap.FetchBodyStructure,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchUid,
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.cl.UidFetch(seqset, items, messages)
	}()

	entries := make([]Structural, 0, len(uids))
	for msg := range messages {
		entries = append(entries, Structural{
			UID:          msg.Uid,
			Envelope:     msg.Envelope,
			Size:         msg.Size,
			Flags:        msg.Flags,
			Structure:    msg.BodyStructure,
			InternalDate: msg.InternalDate,
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetching metadata for %d uids: %w", len(uids), err)
	}
	return entries, nil
}

func (c *Client) FetchFull(uid uint32) ([]byte, []string, time.Time, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	// Peek so the download does not flip \Seen on the original.
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		section.FetchItem(),
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchUid,
	}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.cl.UidFetch(seqset, items, messages)
	}()

	var raw []byte
	var flags []string
	var internalDate time.Time
	for msg := range messages {
		if msg.Uid != uid {
			continue
		}
		flags = msg.Flags
		internalDate = msg.InternalDate
		if body := msg.GetBody(section); body != nil {
			data, err := io.ReadAll(body)
			if err != nil {
				<-done
				return nil, nil, time.Time{}, fmt.Errorf("reading body of uid %d: %w", uid, err)
			}
			raw = data
		}
	}
	if err := <-done; err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("fetching uid %d: %w", uid, err)
	}
	if raw == nil {
		return nil, nil, time.Time{}, fmt.Errorf("uid %d returned no body", uid)
	}
	return raw, flags, internalDate, nil
}

func (c *Client) Append(folder string, flags []string, date time.Time, raw []byte) error {
	if err := c.cl.Append(folder, flags, date, bytes.NewBuffer(raw)); err != nil {
		return fmt.Errorf("appending to %s: %w", folder, err)
	}
	return nil
}

func (c *Client) MarkDeleted(uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	if err := c.cl.UidStore(seqset, item, flags, nil); err != nil {
		return fmt.Errorf("marking %d uids deleted: %w", len(uids), err)
	}
	return nil
}

func (c *Client) Expunge(uids []uint32) (bool, error) {
	supported, err := c.uidplus.SupportUidPlus()
	if err != nil {
		return false, fmt.Errorf("checking UIDPLUS: %w", err)
	}
	if !supported || len(uids) == 0 {
		return supported, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	if err := c.uidplus.UidExpunge(seqset, nil); err != nil {
		return true, fmt.Errorf("expunging %d uids: %w", len(uids), err)
	}
	return true, nil
}

func (c *Client) Copy(uids []uint32, dest string) error {
	if len(uids) == 0 {
		return nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	if err := c.cl.UidCopy(seqset, dest); err != nil {
		return fmt.Errorf("copying %d uids to %s: %w", len(uids), dest, err)
	}
	return nil
}

func (c *Client) SupportMove() (bool, error) {
	return c.cl.Support("MOVE")
}

func (c *Client) Move(uids []uint32, dest string) error {
	if len(uids) == 0 {
		return nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	if err := c.cl.UidMove(seqset, dest); err != nil {
		return fmt.Errorf("moving %d uids to %s: %w", len(uids), dest, err)
	}
	return nil
}

func (c *Client) Quota() (*types.Quota, error) {
	supported, err := c.cl.Support("QUOTA")
	if err != nil {
		return nil, fmt.Errorf("checking QUOTA: %w", err)
	}
	if !supported {
		return nil, nil
	}

	qc := quota.NewClient(c.cl)
	statuses, err := qc.GetQuotaRoot("INBOX")
	if err != nil {
		return nil, fmt.Errorf("reading quota root: %w", err)
	}
	for _, status := range statuses {
		if res, ok := status.Resources["STORAGE"]; ok {
			// STORAGE resource counts are in units of 1024 octets.
			return &types.Quota{
				UsedBytes:  int64(res[0]) * 1024,
				LimitBytes: int64(res[1]) * 1024,
			}, nil
		}
	}
	return nil, nil
}

func (c *Client) Logout() error {
	return c.cl.Logout()
}
