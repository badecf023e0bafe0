// Package secrets implements the credential scanner (component B): a
// stateless, pure regex + entropy detector used to redact secrets from
// audit log entries and vault content before they are ever written to
// disk.
package secrets

import (
	"errors"
	"math"
	"regexp"
	"strings"
)

// Kind categorizes a detected finding.
type Kind string

const (
	KindAWSKey      Kind = "aws_access_key"
	KindGitHubToken Kind = "github_token"
	KindSlackToken  Kind = "slack_token"
	KindStripeKey   Kind = "stripe_key"
	KindBearerToken Kind = "bearer_token"
	KindPrivateKey  Kind = "private_key_pem"
	KindGenericKV   Kind = "generic_key_value"
	KindHighEntropy Kind = "high_entropy_run"
)

// Finding is one detected secret-like substring.
type Finding struct {
	Kind  Kind
	Match string
	Start int
	End   int
}

// Redacted is the substring every match is replaced with.
const Redacted = "***REDACTED***"

// RedactionFailed is returned by Redact when the scanner itself fails;
// per spec §4.B the scanner fails closed rather than passing raw text
// through unredacted.
const RedactionFailed = "***REDACTION_FAILED***"

// ErrScanFailed indicates the scanner panicked or otherwise could not
// complete — a caller must treat the text as unsafe to log.
var ErrScanFailed = errors.New("secrets: scan failed")

// pattern pairs a Kind with the regex that detects it. Patterns are
// ordered most-specific first so a findings list doesn't double-count a
// token matched by both a specific and a generic pattern.
type pattern struct {
	kind Kind
	re   *regexp.Regexp
}

var patterns = []pattern{
	{KindAWSKey, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{KindGitHubToken, regexp.MustCompile(`\bgh[pousr]_[0-9A-Za-z]{36,}\b`)},
	{KindSlackToken, regexp.MustCompile(`\bxox[baprs]-[0-9A-Za-z-]{10,}\b`)},
	{KindStripeKey, regexp.MustCompile(`\b(?:sk|pk|rk)_(?:live|test)_[0-9A-Za-z]{16,}\b`)},
	{KindBearerToken, regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-_.~+/]{20,}=*`)},
	{KindPrivateKey, regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{KindGenericKV, regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token|password|passwd)\b\s*[:=]\s*["']?[0-9A-Za-z\-_.]{8,}["']?`)},
}

// EntropyThreshold is the Shannon-entropy cutoff (bits/char) above which
// a long base64/hex run is flagged as likely key material, grounded on
// the teacher's Shannon-entropy auditor (internal/security/entropy.go),
// whose business-text baseline of ~3.5-4.5 bits/char and encrypted-
// payload spike toward 7.0+ is the same signal repurposed here for
// credential detection instead of steganography detection.
const EntropyThreshold = 4.2

// MinEntropyRunLength is the minimum run length considered for entropy
// scanning; shorter runs are too noisy to classify reliably.
const MinEntropyRunLength = 24

var entropyRunPattern = regexp.MustCompile(`[0-9A-Za-z+/=_-]{24,}`)

// Scanner is stateless and safe for concurrent use.
type Scanner struct {
	entropyThreshold float64
	minRunLength     int
}

// New returns a Scanner configured with the default thresholds.
func New() *Scanner {
	return &Scanner{entropyThreshold: EntropyThreshold, minRunLength: MinEntropyRunLength}
}

// WithEntropyThreshold returns a copy of the scanner using a custom
// entropy cutoff, for operators who need to tune false-positive rates.
func (s *Scanner) WithEntropyThreshold(threshold float64) *Scanner {
	cp := *s
	cp.entropyThreshold = threshold
	return &cp
}

// Scan returns every finding in text, in the order they appear, deduped
// so an overlapping high-entropy run and a pattern match over the same
// span are not both reported.
func (s *Scanner) Scan(text string) []Finding {
	var findings []Finding
	covered := make([]bool, len(text)+1)

	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			if rangeCovered(covered, start, end) {
				continue
			}
			markCovered(covered, start, end)
			findings = append(findings, Finding{Kind: p.kind, Match: text[start:end], Start: start, End: end})
		}
	}

	for _, loc := range entropyRunPattern.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if end-start < s.minRunLength || rangeCovered(covered, start, end) {
			continue
		}
		run := text[start:end]
		if shannonEntropy(run) >= s.entropyThreshold {
			markCovered(covered, start, end)
			findings = append(findings, Finding{Kind: KindHighEntropy, Match: run, Start: start, End: end})
		}
	}

	return findings
}

// Redact replaces every finding in text with the fixed redaction
// marker. It never returns an error in the current implementation (the
// regex engine cannot fail at runtime), but the signature allows a
// caller to treat a future scanner backend uniformly and to honor the
// fail-closed contract of §4.B.
func (s *Scanner) Redact(text string) (string, error) {
	findings := s.Scan(text)
	if len(findings) == 0 {
		return text, nil
	}

	var sb strings.Builder
	last := 0
	for _, f := range findings {
		sb.WriteString(text[last:f.Start])
		sb.WriteString(Redacted)
		last = f.End
	}
	sb.WriteString(text[last:])
	return sb.String(), nil
}

// RedactFailClosed is the fail-closed entry point described in §4.B: on
// any scanner error it returns the RedactionFailed sentinel instead of
// the original text, so callers never accidentally log raw secrets
// because a scan failed.
func RedactFailClosed(s *Scanner, text string) string {
	redacted, err := s.Redact(text)
	if err != nil {
		return RedactionFailed
	}
	return redacted
}

func rangeCovered(covered []bool, start, end int) bool {
	for i := start; i < end; i++ {
		if covered[i] {
			return true
		}
	}
	return false
}

func markCovered(covered []bool, start, end int) {
	for i := start; i < end; i++ {
		covered[i] = true
	}
}

// shannonEntropy measures the randomness of data in bits per character,
// identical in shape to the teacher's CalculateShannonEntropy
// (internal/security/entropy.go), repurposed from steganography
// detection to secret-material detection.
func shannonEntropy(data string) float64 {
	if len(data) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range data {
		counts[r]++
	}
	var entropy float64
	for _, count := range counts {
		p := float64(count) / float64(len(data))
		entropy -= p * math.Log2(p)
	}
	return entropy
}
