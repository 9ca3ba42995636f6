package mimeutil

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-message"
)

// DetachedHeader marks a rewritten message so a later scan, or the user's
// own client, can tell the stripped copy from the original.
const DetachedHeader = "X-MailSweep-Detached"

// DetachedPart records one attachment removed by StripAttachments.
type DetachedPart struct {
	Filename  string
	MIMEType  string
	Size      int
	SavedPath string
}

// SaveFunc persists one attachment's decoded content and returns the path it
// was written to. StripAttachments calls it before replacing the part, so a
// save failure aborts the rewrite with the original untouched.
type SaveFunc func(filename, mimeType string, data []byte) (string, error)

// StripAttachments rewrites a raw message with every attachment part
// replaced by a small text placeholder naming the file and where it was
// saved. Inline parts and the message text survive unchanged. Returns the
// rewritten message and the parts that were detached; a message with no
// attachment parts comes back unchanged with an empty list.
func StripAttachments(raw []byte, auditValue string, save SaveFunc) ([]byte, []DetachedPart, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, nil, fmt.Errorf("parsing message: %w", err)
	}

	mr := entity.MultipartReader()
	if mr == nil {
		// Single-part messages carry no detachable parts.
		return raw, nil, nil
	}

	header := entity.Header.Copy()
	header.Set(DetachedHeader, auditValue)

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, header)
	if err != nil {
		return nil, nil, fmt.Errorf("writing message header: %w", err)
	}

	var detached []DetachedPart
	if err := stripParts(w, mr, save, &detached); err != nil {
		return nil, nil, err
	}
	if err := w.Close(); err != nil {
		return nil, nil, fmt.Errorf("finalizing message: %w", err)
	}
	if len(detached) == 0 {
		return raw, nil, nil
	}
	return buf.Bytes(), detached, nil
}

func stripParts(w *message.Writer, mr message.MultipartReader, save SaveFunc, detached *[]DetachedPart) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading part: %w", err)
		}

		if nested := part.MultipartReader(); nested != nil {
			pw, err := w.CreatePart(part.Header)
			if err != nil {
				return fmt.Errorf("writing nested part: %w", err)
			}
			if err := stripParts(pw, nested, save, detached); err != nil {
				return err
			}
			if err := pw.Close(); err != nil {
				return err
			}
			continue
		}

		filename, mimeType, isAttachment := classifyPart(part.Header)
		if !isAttachment {
			pw, err := w.CreatePart(part.Header)
			if err != nil {
				return fmt.Errorf("writing part: %w", err)
			}
			if _, err := io.Copy(pw, part.Body); err != nil {
				return fmt.Errorf("copying part body: %w", err)
			}
			if err := pw.Close(); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return fmt.Errorf("reading attachment %s: %w", filename, err)
		}
		savedPath, err := save(filename, mimeType, data)
		if err != nil {
			return fmt.Errorf("saving attachment %s: %w", filename, err)
		}

		if err := writeMarkerPart(w, filename, len(data), savedPath); err != nil {
			return err
		}
		*detached = append(*detached, DetachedPart{
			Filename:  filename,
			MIMEType:  mimeType,
			Size:      len(data),
			SavedPath: savedPath,
		})
	}
}

// classifyPart decides whether a leaf part is a detachable attachment.
func classifyPart(h message.Header) (filename, mimeType string, isAttachment bool) {
	ctype, ctParams, err := h.ContentType()
	if err != nil {
		ctype = "application/octet-stream"
	}
	disp, dispParams, _ := h.ContentDisposition()

	filename = dispParams["filename"]
	if filename == "" {
		filename = ctParams["name"]
	}
	filename = SanitizeFilename(filename)

	switch {
	case strings.EqualFold(disp, "attachment"):
		isAttachment = true
	case filename != "unnamed" && !strings.EqualFold(disp, "inline") &&
		!strings.HasPrefix(ctype, "text/") && !strings.HasPrefix(ctype, "multipart/"):
		isAttachment = true
	}
	return filename, ctype, isAttachment
}

func writeMarkerPart(w *message.Writer, filename string, size int, savedPath string) error {
	var h message.Header
	h.SetContentType("text/plain", map[string]string{
		"charset": "utf-8",
		"name":    filename + ".txt",
	})

	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("writing placeholder part: %w", err)
	}
	body := fmt.Sprintf(
		"[Attachment detached by MailSweep]\nOriginal file: %s\nSize: %s\nSaved to: %s\n",
		filename, humanize.Bytes(uint64(size)), savedPath)
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("writing placeholder body: %w", err)
	}
	return pw.Close()
}
