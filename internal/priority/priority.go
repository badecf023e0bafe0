// Package priority implements the Priority Scorer (component J): a
// pure function from task frontmatter and the current wall clock to a
// scalar urgency score, per spec §4.J. It has no dependency on any
// other vault component — a scorer that depends on I/O to rank a queue
// would defeat its own purpose.
package priority

import (
	"strings"
	"time"

	"github.com/taskvault/vaultd/internal/task"
)

// Weights are the three score components' relative contribution,
// defaulting to (0.4, 0.3, 0.3) per spec §4.J, configurable by the
// operator.
type Weights struct {
	Urgency  float64
	Deadline float64
	Sender   float64
}

// DefaultWeights is spec §4.J's default weighting.
var DefaultWeights = Weights{Urgency: 0.4, Deadline: 0.3, Sender: 0.3}

// SenderPolicy maps senders to VIP/client tiers for the sender score
// component, sourced from configuration (`vip_senders`, `client_senders`).
type SenderPolicy struct {
	VIP    []string
	Client []string
}

// urgencyKeywords is checked in this order; the first match wins, per
// spec §4.J's "ties broken by keyword precedence in the order listed."
var urgencyKeywords = []struct {
	keyword string
	score   float64
}{
	{"URGENT", 5},
	{"ASAP", 4},
	{"HIGH", 4},
	{"NORMAL", 3},
	{"LOW", 2},
	{"WHENEVER", 1},
}

func urgencyScore(t *task.Task) float64 {
	subject := strings.ToUpper(t.Subject)
	for _, kw := range urgencyKeywords {
		if strings.Contains(subject, kw.keyword) {
			return kw.score
		}
	}
	switch t.Priority {
	case task.PriorityHigh:
		return 4
	case task.PriorityLow:
		return 2
	default:
		return 3
	}
}

func deadlineScore(t *task.Task, now time.Time) float64 {
	if t.Deadline == nil {
		return 1
	}
	remaining := t.Deadline.Sub(now)
	switch {
	case remaining < 2*time.Hour:
		return 5
	case remaining < 24*time.Hour:
		return 4
	case remaining < 72*time.Hour:
		return 3
	case remaining < 7*24*time.Hour:
		return 2
	default:
		return 1
	}
}

func senderScore(t *task.Task, policy SenderPolicy) float64 {
	if t.Sender == nil || *t.Sender == "" {
		return 1
	}
	sender := *t.Sender
	for _, vip := range policy.VIP {
		if vip == sender {
			return 5
		}
	}
	for _, client := range policy.Client {
		if client == sender {
			return 4
		}
	}
	if t.Source == task.SourceFilesystem || t.Source == task.SourceManual {
		return 3
	}
	return 2
}

// ageBoost prevents starvation of low-priority, long-waiting tasks:
// min(age_in_hours / 24, 2), per spec §4.J and testable property #10.
func ageBoost(t *task.Task, now time.Time) float64 {
	ageHours := now.Sub(t.CreatedAt).Hours()
	boost := ageHours / 24
	if boost > 2 {
		return 2
	}
	if boost < 0 {
		return 0
	}
	return boost
}

// Score computes score(task) at instant now, using w and policy.
// Deterministic: identical inputs always produce the identical score.
func Score(t *task.Task, w Weights, policy SenderPolicy, now time.Time) float64 {
	return w.Urgency*urgencyScore(t) +
		w.Deadline*deadlineScore(t, now) +
		w.Sender*senderScore(t, policy) +
		ageBoost(t, now)
}
