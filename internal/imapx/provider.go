package imapx

import (
	"strings"
)

// Provider describes the server-specific behavior a pipeline must respect:
// where deleted mail goes, whether a label-based All Mail folder exists, and
// which UID extensions the server offers. It is resolved once per connection
// and threaded through every destructive operation.
type Provider struct {
	// TrashFolder is the folder a message must be copied into before it can
	// be safely expunged. Empty when the server has none we recognize.
	TrashFolder string

	// AllMailFolder is the provider's virtual folder showing every message
	// regardless of labels. Empty for folder-based servers.
	AllMailFolder string

	// SupportsMove is true when the server implements the MOVE extension.
	SupportsMove bool

	// SupportsUIDExpunge is true when the server implements UIDPLUS.
	SupportsUIDExpunge bool
}

var wellKnownTrash = []string{
	"Trash",
	"[Gmail]/Trash",
	"[Google Mail]/Trash",
	"Deleted Items",
	"Deleted Messages",
	"INBOX.Trash",
}

var allMailNames = map[string]bool{
	"[gmail]/all mail":      true,
	"[google mail]/all mail": true,
}

// IsAllMail reports whether a folder name is a provider All Mail folder.
func (p *Provider) IsAllMail(folder string) bool {
	if p.AllMailFolder != "" && folder == p.AllMailFolder {
		return true
	}
	return allMailNames[strings.ToLower(folder)]
}

// IsTrash reports whether a folder name is the resolved trash folder.
func (p *Provider) IsTrash(folder string) bool {
	return p.TrashFolder != "" && strings.EqualFold(folder, p.TrashFolder)
}

// IsVirtual reports whether a folder is a provider-managed virtual container
// that the scan should treat as an alias view rather than real storage.
func (p *Provider) IsVirtual(folder string) bool {
	lower := strings.ToLower(folder)
	return strings.HasPrefix(lower, "[gmail]/") || strings.HasPrefix(lower, "[google mail]/")
}

// DetectProvider resolves the provider descriptor from the server's folder
// list and capabilities. Explicit overrides win over detection; detection
// prefers SPECIAL-USE attributes over well-known names.
func DetectProvider(session Session, trashOverride, allMailOverride string) (*Provider, error) {
	folders, err := session.ListFolders()
	if err != nil {
		return nil, err
	}

	p := &Provider{
		TrashFolder:   trashOverride,
		AllMailFolder: allMailOverride,
	}

	names := make(map[string]bool, len(folders))
	for _, f := range folders {
		names[f.Name] = true
		for _, attr := range f.Attributes {
			switch attr {
			case `\Trash`:
				if p.TrashFolder == "" {
					p.TrashFolder = f.Name
				}
			case `\All`:
				if p.AllMailFolder == "" {
					p.AllMailFolder = f.Name
				}
			}
		}
	}

	if p.TrashFolder == "" {
		for _, candidate := range wellKnownTrash {
			if names[candidate] {
				p.TrashFolder = candidate
				break
			}
		}
	}
	if p.AllMailFolder == "" {
		for name := range names {
			if allMailNames[strings.ToLower(name)] {
				p.AllMailFolder = name
				break
			}
		}
	}

	if p.SupportsMove, err = session.SupportMove(); err != nil {
		return nil, err
	}
	// Probing UIDPLUS with an empty set performs no expunge.
	if p.SupportsUIDExpunge, err = session.Expunge(nil); err != nil {
		return nil, err
	}

	return p, nil
}
