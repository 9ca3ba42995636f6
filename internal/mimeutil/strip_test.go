package mimeutil

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pdfContent = []byte("%PDF-1.4 fake invoice content for testing")

func multipartFixture(t *testing.T) []byte {
	t.Helper()
	encoded := base64.StdEncoding.EncodeToString(pdfContent)
	raw := "MIME-Version: 1.0\r\n" +
		"From: billing@example.com\r\n" +
		"Subject: Invoice March\r\n" +
		"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Please find the invoice attached.\r\n" +
		"--XYZ\r\n" +
		"Content-Type: application/pdf; name=\"invoice.pdf\"\r\n" +
		"Content-Disposition: attachment; filename=\"invoice.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		encoded + "\r\n" +
		"--XYZ--\r\n"
	return []byte(raw)
}

func TestStripAttachmentsReplacesWithPlaceholder(t *testing.T) {
	raw := multipartFixture(t)

	var savedData []byte
	save := func(filename, mimeType string, data []byte) (string, error) {
		assert.Equal(t, "invoice.pdf", filename)
		assert.Equal(t, "application/pdf", mimeType)
		savedData = data
		return "/saved/invoice.pdf", nil
	}

	stripped, parts, err := StripAttachments(raw, "uid=42", save)
	require.NoError(t, err)
	require.Len(t, parts, 1)

	// The saved bytes are the decoded attachment, not the base64 text.
	assert.Equal(t, pdfContent, savedData)
	assert.Equal(t, "invoice.pdf", parts[0].Filename)
	assert.Equal(t, "/saved/invoice.pdf", parts[0].SavedPath)
	assert.Equal(t, len(pdfContent), parts[0].Size)

	assert.Less(t, len(stripped), len(raw))
	assert.NotContains(t, string(stripped), base64.StdEncoding.EncodeToString(pdfContent))

	entity, err := message.Read(bytes.NewReader(stripped))
	require.NoError(t, err)
	assert.Equal(t, "uid=42", entity.Header.Get(DetachedHeader))

	mr := entity.MultipartReader()
	require.NotNil(t, mr)

	var bodies []string
	var ctypes []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ct, _, _ := p.Header.ContentType()
		ctypes = append(ctypes, ct)
		body, _ := io.ReadAll(p.Body)
		bodies = append(bodies, string(body))
	}
	require.Len(t, bodies, 2)
	assert.Equal(t, []string{"text/plain", "text/plain"}, ctypes)
	assert.Contains(t, bodies[0], "Please find the invoice attached.")
	assert.Contains(t, bodies[1], "[Attachment detached by MailSweep]")
	assert.Contains(t, bodies[1], "Original file: invoice.pdf")
	assert.Contains(t, bodies[1], "Saved to: /saved/invoice.pdf")
}

func TestStripAttachmentsSinglePartUnchanged(t *testing.T) {
	raw := []byte("From: a@example.com\r\n" +
		"Subject: hi\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"just text\r\n")

	stripped, parts, err := StripAttachments(raw, "uid=1", failingSave(t))
	require.NoError(t, err)
	assert.Empty(t, parts)
	assert.Equal(t, raw, stripped)
}

func TestStripAttachmentsNoAttachmentsUnchanged(t *testing.T) {
	raw := []byte("MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=AB\r\n" +
		"\r\n" +
		"--AB\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"plain body\r\n" +
		"--AB\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>html body</p>\r\n" +
		"--AB--\r\n")

	stripped, parts, err := StripAttachments(raw, "uid=2", failingSave(t))
	require.NoError(t, err)
	assert.Empty(t, parts)
	assert.Equal(t, raw, stripped)
}

func TestStripAttachmentsSaveFailureAborts(t *testing.T) {
	raw := multipartFixture(t)
	save := func(filename, mimeType string, data []byte) (string, error) {
		return "", fmt.Errorf("disk full")
	}

	_, _, err := StripAttachments(raw, "uid=3", save)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "disk full"))
}

// failingSave fails the test if the strip pass tries to save anything.
func failingSave(t *testing.T) SaveFunc {
	return func(filename, mimeType string, data []byte) (string, error) {
		t.Fatalf("unexpected save of %s", filename)
		return "", nil
	}
}
