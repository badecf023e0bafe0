package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taskvault/vaultd/internal/task"
)

func baseTask(t *testing.T) *task.Task {
	return &task.Task{
		Frontmatter: task.Frontmatter{
			TaskID:    "x",
			Source:    task.SourceMail,
			Subject:   "Quarterly update",
			Priority:  task.PriorityMedium,
			CreatedAt: time.Now(),
			State:     "Inbox",
		},
	}
}

func TestUrgentKeywordDominatesPriorityField(t *testing.T) {
	tk := baseTask(t)
	tk.Subject = "URGENT: wire transfer"
	tk.Priority = task.PriorityLow

	now := time.Now()
	scoreWithKeyword := Score(tk, DefaultWeights, SenderPolicy{}, now)

	tk2 := baseTask(t)
	tk2.Priority = task.PriorityLow
	scoreWithoutKeyword := Score(tk2, DefaultWeights, SenderPolicy{}, now)

	assert.Greater(t, scoreWithKeyword, scoreWithoutKeyword)
}

func TestMissingDeadlineScoresLowest(t *testing.T) {
	tk := baseTask(t)
	now := time.Now()
	withoutDeadline := deadlineScore(tk, now)
	assert.Equal(t, 1.0, withoutDeadline)

	soon := now.Add(1 * time.Hour)
	tk.Deadline = &soon
	withDeadline := deadlineScore(tk, now)
	assert.Equal(t, 5.0, withDeadline)
}

func TestVIPSenderOutscoresUnknown(t *testing.T) {
	policy := SenderPolicy{VIP: []string{"ceo@company.com"}}
	vip := "ceo@company.com"
	unknown := "stranger@example.com"

	tkVIP := baseTask(t)
	tkVIP.Sender = &vip
	tkUnknown := baseTask(t)
	tkUnknown.Sender = &unknown

	assert.Greater(t, senderScore(tkVIP, policy), senderScore(tkUnknown, policy))
}

func TestAgeBoostCapsAtTwo(t *testing.T) {
	tk := baseTask(t)
	tk.CreatedAt = time.Now().Add(-96 * time.Hour)
	boost := ageBoost(tk, time.Now())
	assert.Equal(t, 2.0, boost)
}

func TestStarvationBoundMatchesFormula(t *testing.T) {
	tk := baseTask(t)
	tk.Priority = task.PriorityLow
	tk.CreatedAt = time.Now().Add(-49 * time.Hour)

	boost := ageBoost(tk, time.Now())
	assert.GreaterOrEqual(t, boost, 2.0)
}

func TestScoreIsPureForSameInputs(t *testing.T) {
	tk := baseTask(t)
	now := time.Date(2026, 1, 28, 12, 0, 0, 0, time.UTC)
	tk.CreatedAt = now.Add(-time.Hour)

	s1 := Score(tk, DefaultWeights, SenderPolicy{}, now)
	s2 := Score(tk, DefaultWeights, SenderPolicy{}, now)
	assert.Equal(t, s1, s2)
}
