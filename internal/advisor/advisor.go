// Package advisor turns cache aggregates into concrete cleanup proposals.
// Proposals carry stable identities (Message-ID, sender) rather than UIDs;
// UIDs are resolved from the cache at execution time so a proposal produced
// before a rescan still acts on the right messages.
package advisor

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/jitrc/MailSweep/internal/cache"
	"github.com/jitrc/MailSweep/internal/imapx"
)

// Action is the pipeline a proposal maps onto.
type Action string

const (
	ActionDetach      Action = "detach"
	ActionDelete      Action = "delete"
	ActionRemoveLabel Action = "remove_label"

	// Resolution-only actions: the CLI resolves refs for these through the
	// same vetting path, the advisor never proposes them.
	ActionBackup Action = "backup"
	ActionMove   Action = "move"
)

// Proposal is one suggested cleanup step. Exactly one of MessageID or Sender
// identifies the targets; SrcFolder optionally narrows them.
type Proposal struct {
	Action         Action `json:"action"`
	Reason         string `json:"reason"`
	MessageID      string `json:"message_id,omitempty"`
	Sender         string `json:"sender,omitempty"`
	SrcFolder      string `json:"src_folder,omitempty"`
	EstimatedBytes int64  `json:"estimated_bytes"`
}

// Advisor produces and resolves proposals for one account.
type Advisor struct {
	store    *cache.Store
	provider *imapx.Provider
	logger   *logrus.Logger
}

// New creates an advisor.
func New(store *cache.Store, provider *imapx.Provider, logger *logrus.Logger) *Advisor {
	return &Advisor{store: store, provider: provider, logger: logger}
}

// Suggest builds proposals from what the cache already knows, ordered by
// estimated reclaimable bytes.
func (a *Advisor) Suggest(accountID int64, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 20
	}
	var proposals []Proposal

	// Originals whose stripped copy already exists are pure waste.
	pairs, err := a.store.DetachedPairs(accountID)
	if err != nil {
		return nil, err
	}
	for _, pair := range pairs {
		proposals = append(proposals, Proposal{
			Action:    ActionDelete,
			MessageID: pair.Original.MessageID,
			SrcFolder: pair.Original.FolderName,
			Reason: fmt.Sprintf("a detached copy already exists in %s (%s vs %s)",
				pair.Detached.FolderName,
				humanize.Bytes(uint64(pair.Original.SizeBytes)),
				humanize.Bytes(uint64(pair.Detached.SizeBytes))),
			EstimatedBytes: pair.Original.SizeBytes,
		})
	}

	// Large messages still carrying their attachments.
	hasAtt := true
	big, err := a.store.QueryMessages(accountID, cache.Filter{
		HasAttachment: &hasAtt,
		SizeMin:       5 << 20,
		OrderBy:       "-size_bytes",
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	for _, msg := range big {
		if msg.MessageID == "" || a.provider.IsVirtual(msg.FolderName) {
			continue
		}
		proposals = append(proposals, Proposal{
			Action:    ActionDetach,
			MessageID: msg.MessageID,
			SrcFolder: msg.FolderName,
			Reason: fmt.Sprintf("%s message with %d attachment(s)",
				humanize.Bytes(uint64(msg.SizeBytes)), len(msg.Attachments)),
			EstimatedBytes: msg.SizeBytes * 9 / 10,
		})
	}

	// Multi-label copies: removing the extra labels costs nothing.
	if a.provider.AllMailFolder != "" {
		groups, err := a.store.DuplicateLabelGroups(accountID, limit)
		if err != nil {
			return nil, err
		}
		for _, group := range groups {
			if len(group.Copies) < 2 {
				continue
			}
			extra := group.Copies[1]
			proposals = append(proposals, Proposal{
				Action:    ActionRemoveLabel,
				MessageID: group.MessageID,
				SrcFolder: extra.FolderName,
				Reason:    fmt.Sprintf("message carries %d labels", len(group.Copies)),
			})
		}
	}

	if len(proposals) > limit {
		proposals = proposals[:limit]
	}
	return proposals, nil
}

// Resolve turns a proposal into the UID refs a pipeline can act on, vetted
// against the provider's hazards. Resolution happens against the current
// cache, so run a scan first when the mailbox may have changed.
func (a *Advisor) Resolve(accountID int64, p Proposal) ([]cache.UIDRef, error) {
	var refs []cache.UIDRef
	var err error
	switch {
	case p.MessageID != "":
		refs, err = a.store.RefsByMessageID(accountID, p.MessageID)
	case p.Sender != "":
		refs, err = a.store.RefsBySender(accountID, p.Sender, nil)
	default:
		return nil, fmt.Errorf("proposal identifies no messages")
	}
	if err != nil {
		return nil, err
	}

	vetted := refs[:0]
	for _, ref := range refs {
		if p.SrcFolder != "" && ref.FolderName != p.SrcFolder {
			continue
		}
		if p.Action != ActionDelete && a.provider.IsAllMail(ref.FolderName) {
			a.logger.WithField("folder", ref.FolderName).
				Debug("dropping All Mail ref from non-delete proposal")
			continue
		}
		vetted = append(vetted, ref)
	}
	if len(vetted) == 0 {
		return nil, fmt.Errorf("proposal matches no cached messages, rescan and retry")
	}
	return vetted, nil
}
