// Package approval implements the approval store (component H):
// file-based HITL approval records protected by a single-use nonce, a
// content-integrity digest, per-action-type expirations, and an
// authorized-approver policy. It is the only mutator of approval state;
// the reasoning stage may only call Create.
//
// Grounded on the teacher's internal/escrow/gate.go EscrowGate —
// specifically its per-item signal/release bookkeeping and its
// tri-factor ProcessSignal quorum check, generalized here from a fixed
// 3-of-3 (Identity+Jury+Entropy) requirement into a configurable N-of-M
// approver quorum for critical-risk approvals —
// and on internal/ledger's atomic single-writer file update style for
// the nonce registry.
package approval

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskvault/vaultd/internal/audit"
	"github.com/taskvault/vaultd/internal/errs"
	"github.com/taskvault/vaultd/internal/notify"
	"github.com/taskvault/vaultd/internal/vaultfs"
)

// vaultfsReadRoot and vaultfsWriteRoot give the nonce registry the same
// tempfile-then-rename atomicity as a workflow-folder file, without
// requiring the registry — which lives directly at the vault root, not
// inside one of the fixed workflow folders — to go through vaultfs.Vault.
func vaultfsReadRoot(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func vaultfsWriteRoot(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-nonces-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	tmp.Close()
	return os.Rename(tmp.Name(), path)
}

// RiskLevel is the sensitivity band of an approval, per spec §3.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Status is an Approval's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

// Approval is the on-disk frontmatter record in Approvals/.
type Approval struct {
	ApprovalID       string                 `json:"approval_id"`
	TaskID           string                 `json:"task_id"`
	ActionType       string                 `json:"action_type"`
	RiskLevel        RiskLevel              `json:"risk_level"`
	Status           Status                 `json:"status"`
	Nonce            string                 `json:"nonce"`
	ContentDigest    string                 `json:"content_digest"`
	CreatedAt        time.Time              `json:"created_at"`
	ExpiresAt        time.Time              `json:"expires_at"`
	Approver         string                 `json:"approver,omitempty"`
	DecisionAt       *time.Time             `json:"decision_at,omitempty"`
	RejectionReason  string                 `json:"rejection_reason,omitempty"`
	ActionPayload    map[string]interface{} `json:"action_payload"`

	// Quorum bookkeeping for critical-risk approvals.
	RequiredApprovers int      `json:"required_approvers,omitempty"`
	Approvers         []string `json:"approvers,omitempty"`
}

// DefaultTTLs implements spec §4.H's per-action-type TTL table.
var DefaultTTLs = map[string]time.Duration{
	"payment": 24 * time.Hour,
	"message": 6 * time.Hour,
	"delete":  12 * time.Hour,
	"deploy":  4 * time.Hour,
	"other":   12 * time.Hour,
}

func ttlFor(actionType string) time.Duration {
	if d, ok := DefaultTTLs[actionType]; ok {
		return d
	}
	return DefaultTTLs["other"]
}

// canonicalDigest computes the SHA-256 of a deterministic key-sorted
// JSON encoding of payload, per spec §6's content_digest definition.
func canonicalDigest(payload map[string]interface{}) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(payload[k])
		sb.Write(kb)
		sb.WriteByte(':')
		sb.Write(vb)
	}
	sb.WriteByte('}')

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// ApproverPolicy maps an action type to the glob patterns of identities
// authorized to decide it, per spec §6's authorized_approvers config.
type ApproverPolicy map[string][]string

func (p ApproverPolicy) authorized(actionType, approver string) bool {
	patterns, ok := p[actionType]
	if !ok {
		return false
	}
	for _, pat := range patterns {
		if matched, _ := filepath.Match(pat, approver); matched {
			return true
		}
	}
	return false
}

// QuorumPolicy configures N-of-M approver quorum for critical-risk
// approvals. A RequiredApprovers of 0 or 1 means the ordinary
// single-approver path applies.
type QuorumPolicy map[RiskLevel]int

// DefaultQuorumPolicy requires two independent approvers for critical
// risk actions and a single approver for everything else.
var DefaultQuorumPolicy = QuorumPolicy{RiskCritical: 2}

// Store is the Approval Store. It persists approvals as JSON files in
// a vault's Approvals/ folder (reusing vaultfs's atomic write/read so
// approval files get the same crash-safety as task files) and keeps a
// single JSON nonce registry at the vault root.
type Store struct {
	vault    *vaultfs.Vault
	log      *audit.Log
	policy   ApproverPolicy
	quorum   QuorumPolicy
	registryPath string
	notifier *notify.Notifier

	mu          sync.Mutex
	usedNonces  map[string]bool
}

// Option configures optional Store behavior beyond Open's required
// arguments.
type Option func(*Store)

// WithNotifier wires an optional cross-process notifier: decisions
// publish on it, and Wait subscribes to it to react faster than its
// poll interval alone would, when a sibling process holds the
// decision. A nil notifier (the default) leaves Wait on pure polling.
func WithNotifier(n *notify.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// Open constructs a Store backed by vault's Approvals/ folder and a
// nonce registry file at registryPath (conventionally
// <vault>/.nonce-registry.json).
func Open(vault *vaultfs.Vault, log *audit.Log, policy ApproverPolicy, quorum QuorumPolicy, registryPath string, opts ...Option) *Store {
	if quorum == nil {
		quorum = DefaultQuorumPolicy
	}
	s := &Store{
		vault:        vault,
		log:          log,
		policy:       policy,
		quorum:       quorum,
		registryPath: registryPath,
		usedNonces:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.loadNonceRegistry()
	return s
}

// decisionChannel is the notifier channel a given approval's decisions
// are published on and waited for.
func decisionChannel(approvalID string) string {
	return "vaultd:approval:" + approvalID
}

func (s *Store) loadNonceRegistry() {
	data, err := vaultfsReadRoot(s.registryPath)
	if err != nil {
		return
	}
	var nonces []string
	if err := json.Unmarshal(data, &nonces); err != nil {
		return
	}
	for _, n := range nonces {
		s.usedNonces[n] = true
	}
}

func (s *Store) saveNonceRegistry() error {
	nonces := make([]string, 0, len(s.usedNonces))
	for n := range s.usedNonces {
		nonces = append(nonces, n)
	}
	sort.Strings(nonces)
	data, err := json.MarshalIndent(nonces, "", "  ")
	if err != nil {
		return err
	}
	return vaultfsWriteRoot(s.registryPath, data)
}

func approvalFilename(id string) string { return id + ".json" }

// Create generates a nonce, computes the content digest, and writes a
// new pending approval into Approvals/.
func (s *Store) Create(taskID, actionType string, risk RiskLevel, payload map[string]interface{}, ttl time.Duration) (*Approval, error) {
	if ttl <= 0 {
		ttl = ttlFor(actionType)
	}
	now := time.Now().UTC()
	a := &Approval{
		ApprovalID:    uuid.NewString(),
		TaskID:        taskID,
		ActionType:    actionType,
		RiskLevel:     risk,
		Status:        StatusPending,
		Nonce:         newNonce(),
		ContentDigest: canonicalDigest(payload),
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		ActionPayload: payload,
	}
	if req, ok := s.quorum[risk]; ok && req > 1 {
		a.RequiredApprovers = req
	}

	if err := s.write(a); err != nil {
		return nil, err
	}
	s.emit("approval.created", a, audit.OutcomeOK, nil)
	return a, nil
}

// Approve records approver's decision for approvalID. For a quorum
// approval, the approval only transitions to approved once
// RequiredApprovers distinct approvers have signed off; earlier calls
// record progress and return the still-pending approval.
func (s *Store) Approve(approvalID, approver string) (*Approval, error) {
	a, err := s.read(approvalID)
	if err != nil {
		return nil, err
	}

	if err := s.validateDecision(a, approver); err != nil {
		s.emit("approval.invalid", a, audit.OutcomeErr, err)
		return nil, err
	}

	if a.RequiredApprovers > 1 {
		return s.recordQuorumVote(a, approver)
	}

	now := time.Now().UTC()
	a.Status = StatusApproved
	a.Approver = approver
	a.DecisionAt = &now
	if err := s.write(a); err != nil {
		return nil, err
	}
	s.emit("approval.approved", a, audit.OutcomeOK, nil)
	s.notifier.Publish(context.Background(), decisionChannel(a.ApprovalID), string(a.Status))
	return a, nil
}

func (s *Store) recordQuorumVote(a *Approval, approver string) (*Approval, error) {
	for _, existing := range a.Approvers {
		if existing == approver {
			return a, nil // duplicate vote, no-op
		}
	}
	a.Approvers = append(a.Approvers, approver)

	if len(a.Approvers) >= a.RequiredApprovers {
		now := time.Now().UTC()
		a.Status = StatusApproved
		a.Approver = strings.Join(a.Approvers, ",")
		a.DecisionAt = &now
		if err := s.write(a); err != nil {
			return nil, err
		}
		s.emit("approval.approved", a, audit.OutcomeOK, nil)
		s.notifier.Publish(context.Background(), decisionChannel(a.ApprovalID), string(a.Status))
		return a, nil
	}

	if err := s.write(a); err != nil {
		return nil, err
	}
	s.emit("approval.quorum_vote_recorded", a, audit.OutcomeOK, nil)
	return a, nil
}

// Reject records a rejection decision.
func (s *Store) Reject(approvalID, approver, reason string) (*Approval, error) {
	a, err := s.read(approvalID)
	if err != nil {
		return nil, err
	}
	if err := s.validateDecision(a, approver); err != nil {
		s.emit("approval.invalid", a, audit.OutcomeErr, err)
		return nil, err
	}

	now := time.Now().UTC()
	a.Status = StatusRejected
	a.Approver = approver
	a.DecisionAt = &now
	a.RejectionReason = reason
	if err := s.write(a); err != nil {
		return nil, err
	}
	s.emit("approval.rejected", a, audit.OutcomeOK, nil)
	s.notifier.Publish(context.Background(), decisionChannel(a.ApprovalID), string(a.Status))
	return a, nil
}

func (s *Store) validateDecision(a *Approval, approver string) error {
	if a.Status != StatusPending {
		return fmt.Errorf("%w: approval %s is not pending", errs.ErrApprovalInvalid, a.ApprovalID)
	}
	if time.Now().UTC().After(a.ExpiresAt) {
		return fmt.Errorf("%w: approval %s has expired", errs.ErrApprovalTimeout, a.ApprovalID)
	}
	if canonicalDigest(a.ActionPayload) != a.ContentDigest {
		return fmt.Errorf("%w: approval %s content digest mismatch", errs.ErrApprovalInvalid, a.ApprovalID)
	}
	if s.policy != nil && !s.policy.authorized(a.ActionType, approver) {
		return fmt.Errorf("%w: %q is not an authorized approver for %q", errs.ErrApprovalInvalid, approver, a.ActionType)
	}
	return nil
}

// Wait polls (via the vault folder's modification state) until the
// approval leaves StatusPending or timeout elapses. Real-time change
// notification is layered on top by the scheduler via fsnotify on the
// Approvals/ folder; this method provides the poll-fallback contract
// spec §5 requires regardless of whether that notification arrives.
// When a notifier is configured (WithNotifier), a decision made by a
// sibling process also wakes this call immediately instead of waiting
// out the rest of pollInterval.
func (s *Store) Wait(ctx context.Context, approvalID string, pollInterval time.Duration) (Status, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	nudged := make(chan struct{}, 1)
	notifyCtx, cancelNotify := context.WithCancel(ctx)
	defer cancelNotify()
	s.notifier.Subscribe(notifyCtx, decisionChannel(approvalID), func(string) {
		select {
		case nudged <- struct{}{}:
		default:
		}
	})

	for {
		a, err := s.read(approvalID)
		if err != nil {
			return "", err
		}
		if a.Status != StatusPending {
			return a.Status, nil
		}
		if time.Now().UTC().After(a.ExpiresAt) {
			a.Status = StatusTimeout
			if err := s.write(a); err != nil {
				return "", err
			}
			s.emit("approval.timeout", a, audit.OutcomeOK, nil)
			return StatusTimeout, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		case <-nudged:
		}
	}
}

// ConsumeNonce atomically marks approvalID's nonce used. It must be
// called by the Action Guard immediately before driver invocation, per
// spec §4.G's side-effect ordering: the nonce transition precedes
// execution so a crash mid-call leaves an at-most-once action. It is
// the Guard's fail-closed boundary and refuses to consume a nonce
// belonging to any approval that isn't Approved — callers must not be
// trusted to have checked this themselves.
func (s *Store) ConsumeNonce(approvalID string) error {
	a, err := s.read(approvalID)
	if err != nil {
		return err
	}
	if a.Status != StatusApproved {
		err := fmt.Errorf("%w: approval %s has status %s, not approved", errs.ErrApprovalInvalid, approvalID, a.Status)
		s.emit("nonce.rejected_unapproved", a, audit.OutcomeErr, err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usedNonces[a.Nonce] {
		s.emit("nonce.reused", a, audit.OutcomeErr, errs.ErrNonceReused)
		return errs.ErrNonceReused
	}
	s.usedNonces[a.Nonce] = true
	if err := s.saveNonceRegistry(); err != nil {
		delete(s.usedNonces, a.Nonce)
		return fmt.Errorf("%w: %v", errs.ErrFileSystem, err)
	}
	s.emit("nonce.consumed", a, audit.OutcomeOK, nil)
	return nil
}

// Get loads an approval by ID without mutating it, for callers (e.g.
// the scheduler) that need its action payload after a decision.
func (s *Store) Get(approvalID string) (*Approval, error) {
	return s.read(approvalID)
}

func (s *Store) read(approvalID string) (*Approval, error) {
	data, err := s.vault.Read(vaultfs.FolderApprovals, approvalFilename(approvalID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrNotFound, err)
	}
	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: corrupt approval file: %v", errs.ErrValidation, err)
	}
	return &a, nil
}

func (s *Store) write(a *Approval) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return s.vault.Write(vaultfs.FolderApprovals, approvalFilename(a.ApprovalID), data)
}

func (s *Store) emit(eventType string, a *Approval, outcome audit.Outcome, cause error) {
	if s.log == nil {
		return
	}
	ctxMap := map[string]interface{}{
		"action_type": a.ActionType,
		"risk_level":  string(a.RiskLevel),
	}
	if cause != nil {
		ctxMap["error"] = cause.Error()
	}
	_ = s.log.Append(audit.Event{
		EventType:       eventType,
		Actor:           "approval",
		TaskID:          a.TaskID,
		ApprovalID:      a.ApprovalID,
		ActionType:      a.ActionType,
		Outcome:         outcome,
		RedactedContext: ctxMap,
	})
}
