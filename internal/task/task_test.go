package task

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalFilenameRoundTrip(t *testing.T) {
	created := time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)
	name := CanonicalFilename(SourceMail, "client-a-invoice", created)
	assert.Equal(t, "mail_client-a-invoice_2026-01-28T10-00.md", name)

	source, slug, minute, err := ParseFilename(name)
	require.NoError(t, err)
	assert.Equal(t, SourceMail, source)
	assert.Equal(t, "client-a-invoice", slug)
	assert.Equal(t, "2026-01-28T10-00", minute)
}

func TestParseFilenameRejectsMalformed(t *testing.T) {
	for _, name := range []string{
		"Mail_client_2026-01-28T10-00.md",
		"mail_client_2026-01-28.md",
		"mail_client_2026-01-28T10-00.txt",
	} {
		_, _, _, err := ParseFilename(name)
		assert.Error(t, err, name)
	}
}

func TestParseSerializeRoundTrip(t *testing.T) {
	sender := "client-a@example.com"
	fm := Frontmatter{
		TaskID:     "mail_client-a-invoice_2026-01-28T10-00",
		Source:     SourceMail,
		Sender:     &sender,
		Subject:    "Invoice due",
		Priority:   PriorityMedium,
		CreatedAt:  time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC),
		State:      "Inbox",
		RetryCount: 0,
	}
	original := &Task{Frontmatter: fm, Body: "Please process the attached invoice.\n"}

	raw, err := original.Serialize()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "---\n"))
	assert.True(t, strings.HasSuffix(string(raw), "\n"))

	parsed, err := Parse(raw, "inbox/mail_client-a-invoice_2026-01-28T10-00.md")
	require.NoError(t, err)
	assert.Equal(t, original.TaskID, parsed.TaskID)
	assert.Equal(t, original.Source, parsed.Source)
	assert.Equal(t, *original.Sender, *parsed.Sender)
	assert.Equal(t, original.Subject, parsed.Subject)
	assert.Equal(t, original.Priority, parsed.Priority)
	assert.Equal(t, original.State, parsed.State)
	assert.Equal(t, original.Body, parsed.Body)

	// Serializing twice in a row is byte-identical (stable key order).
	raw2, err := parsed.Serialize()
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(raw2))
}

func TestParseRejectsMissingDelimiter(t *testing.T) {
	_, err := Parse([]byte("no frontmatter here"), "bad.md")
	assert.Error(t, err)
}

func TestValidateRejectsUnknownSourceAndPriority(t *testing.T) {
	fm := Frontmatter{TaskID: "x", Source: "carrier-pigeon", Priority: PriorityLow, State: "Inbox"}
	assert.Error(t, fm.Validate())

	fm2 := Frontmatter{TaskID: "x", Source: SourceManual, Priority: "urgent", State: "Inbox"}
	assert.Error(t, fm2.Validate())
}
