package mimeutil

import (
	"strconv"
	"strings"

	"github.com/emersion/go-imap"

	"github.com/jitrc/MailSweep/pkg/types"
)

// ParseStructure walks a BODYSTRUCTURE tree and summarizes its
// attachment-like leaf parts. A nil or malformed structure yields an empty
// summary rather than an error; the message row is still usable without it.
func ParseStructure(bs *imap.BodyStructure) []types.Attachment {
	if bs == nil {
		return nil
	}
	var atts []types.Attachment
	walkStructure(bs, "", &atts)
	return atts
}

func walkStructure(bs *imap.BodyStructure, path string, atts *[]types.Attachment) {
	if bs == nil {
		return
	}
	if len(bs.Parts) > 0 {
		// Every sibling is walked: attachments regularly hide next to the
		// alternative text parts, not only in the first branch.
		for i, part := range bs.Parts {
			childPath := strconv.Itoa(i + 1)
			if path != "" {
				childPath = path + "." + childPath
			}
			walkStructure(part, childPath, atts)
		}
		return
	}

	if path == "" {
		path = "1"
	}
	if att, ok := leafAttachment(bs, path); ok {
		*atts = append(*atts, att)
	}
}

func leafAttachment(bs *imap.BodyStructure, path string) (types.Attachment, bool) {
	mimeType := strings.ToLower(bs.MIMEType + "/" + bs.MIMESubType)
	filename := paramValue(bs.DispositionParams, "filename")
	if filename == "" {
		filename = paramValue(bs.Params, "name")
	}

	disposition := strings.ToLower(bs.Disposition)
	isAttachment := disposition == "attachment"
	if !isAttachment && filename != "" && disposition != "inline" {
		isAttachment = true
	}
	if !isAttachment && filename == "" {
		// Undeclared binary parts still count; bare text never does.
		isAttachment = strings.HasPrefix(mimeType, "application/") &&
			mimeType != "application/pgp-signature" &&
			mimeType != "application/ics"
	}
	if !isAttachment {
		return types.Attachment{}, false
	}

	return types.Attachment{
		PartPath: path,
		Filename: filename,
		MIMEType: mimeType,
		Size:     bs.Size,
	}, true
}

// paramValue looks a MIME parameter up case-insensitively; servers disagree
// on the casing of "filename" vs "FILENAME".
func paramValue(params map[string]string, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key]; ok {
		return v
	}
	for k, v := range params {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
