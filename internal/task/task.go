// Package task implements the frontmatter task model (component P):
// parsing and writing the markdown-with-frontmatter files that are the
// orchestrator's unit of work, plus the canonical filename convention.
package task

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/taskvault/vaultd/internal/errs"
)

// Source identifies which external watcher deposited a task.
type Source string

const (
	SourceMail       Source = "mail"
	SourceChat       Source = "chat"
	SourceFilesystem Source = "filesystem"
	SourceManual     Source = "manual"
)

// Priority is the operator-facing urgency band carried in frontmatter.
// It is one input to the priority scorer (component J), not the score
// itself.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// filenamePattern is the canonical naming regex from spec §4.P:
// <source>_<subject-slug>_<ISO-minute>.md
var filenamePattern = regexp.MustCompile(`^([a-z]+)_([a-z0-9-]+)_(\d{4}-\d{2}-\d{2}T\d{2}-\d{2})\.md$`)

// Frontmatter is the parsed YAML header of a task file. Field order on
// serialization is stable (see Serialize) so repeated writes of an
// unchanged task produce byte-identical output.
type Frontmatter struct {
	TaskID      string     `yaml:"task_id"`
	Source      Source     `yaml:"source"`
	Sender      *string    `yaml:"sender"`
	Subject     string     `yaml:"subject"`
	Priority    Priority   `yaml:"priority"`
	Deadline    *time.Time `yaml:"deadline"`
	CreatedAt   time.Time  `yaml:"created_at"`
	State       string     `yaml:"state"`
	RetryCount  int        `yaml:"retry_count"`
	LastError   *string    `yaml:"last_error"`
	NextRetryAt *time.Time `yaml:"next_retry_at"`
}

// Task pairs a task's frontmatter with its markdown body and the path
// it was last read from.
type Task struct {
	Frontmatter
	Body string
	Path string
}

// Filename returns the base name of t.Path, the name under which the
// task file is currently stored in its workflow folder.
func (t *Task) Filename() string {
	return filepath.Base(t.Path)
}

// Validate checks the invariants §3 requires of a Frontmatter on its
// own terms, independent of where the file currently lives on disk.
func (f Frontmatter) Validate() error {
	if f.TaskID == "" {
		return fmt.Errorf("task_id must not be empty")
	}
	switch f.Source {
	case SourceMail, SourceChat, SourceFilesystem, SourceManual:
	default:
		return fmt.Errorf("unknown source %q", f.Source)
	}
	switch f.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("unknown priority %q", f.Priority)
	}
	if f.RetryCount < 0 {
		return fmt.Errorf("retry_count must be non-negative, got %d", f.RetryCount)
	}
	if f.State == "" {
		return fmt.Errorf("state must not be empty")
	}
	return nil
}

// CanonicalFilename derives the filename spec §4.P mandates from a
// source, subject, and creation time (truncated to the minute, UTC).
func CanonicalFilename(source Source, subjectSlug string, createdAt time.Time) string {
	return fmt.Sprintf("%s_%s_%s.md", source, subjectSlug, createdAt.UTC().Format("2006-01-02T15-04"))
}

// ParseFilename validates a filename against the canonical regex and
// extracts its three components. It does not touch the filesystem.
func ParseFilename(name string) (source Source, subjectSlug string, minute string, err error) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", "", fmt.Errorf("%q does not match canonical task filename pattern", name)
	}
	return Source(m[1]), m[2], m[3], nil
}

const delimiter = "---"

// Parse splits a raw task file into Frontmatter and body. It rejects
// files that do not start with the "---" delimiter pair, per §4.P.
func Parse(raw []byte, path string) (*Task, error) {
	text := string(raw)
	if !strings.HasPrefix(text, delimiter) {
		return nil, fmt.Errorf("%w: %s: missing frontmatter delimiter", errs.ErrValidation, path)
	}
	rest := text[len(delimiter):]
	end := strings.Index(rest, "\n"+delimiter)
	if end == -1 {
		return nil, fmt.Errorf("%w: %s: unterminated frontmatter", errs.ErrValidation, path)
	}
	yamlBlock := rest[:end]
	body := strings.TrimPrefix(rest[end+len("\n"+delimiter):], "\n")

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(yamlBlock), &fm); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrValidation, path, err)
	}
	if err := fm.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrValidation, path, err)
	}

	return &Task{Frontmatter: fm, Body: body, Path: path}, nil
}

// Serialize renders a Task back to the canonical on-disk byte form: a
// key-sorted frontmatter block between "---" delimiters, a trailing
// newline, and the body unchanged. Stable key ordering and a guaranteed
// trailing newline are spec §4.P requirements so repeated writes of the
// same logical content round-trip byte-for-byte.
func (t *Task) Serialize() ([]byte, error) {
	fields := map[string]interface{}{
		"task_id":     t.TaskID,
		"source":      string(t.Source),
		"sender":      derefStr(t.Sender),
		"subject":     t.Subject,
		"priority":    string(t.Priority),
		"deadline":    derefTime(t.Deadline),
		"created_at":  t.CreatedAt.UTC().Format(time.RFC3339),
		"state":       t.State,
		"retry_count": t.RetryCount,
		"last_error":  derefStr(t.LastError),
	}
	fields["next_retry_at"] = derefTime(t.NextRetryAt)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(delimiter + "\n")
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(yamlScalar(fields[k]))
		sb.WriteString("\n")
	}
	sb.WriteString(delimiter + "\n")
	sb.WriteString(t.Body)
	if !strings.HasSuffix(sb.String(), "\n") {
		sb.WriteString("\n")
	}
	return []byte(sb.String()), nil
}

func yamlScalar(v interface{}) string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return "null"
		}
		return strconv.Quote(val)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
