// Package driververify implements the driver trust registry (component
// D): a JSON-backed list of known-good driver checksums, verified fresh
// on every invocation (no caching across invocations, per spec §4.D).
//
// Grounded on the teacher's trust/registry vocabulary in
// internal/circuitbreaker/breaker.go's "TrustRegistry" breaker name and
// the general registration-then-verify shape of
// internal/governance/task_gate.go; the SHA-256-over-executable-bytes
// verification itself is new, built directly to spec since no teacher
// file checksums a binary (the teacher instead relies on container
// image digests, which this spec's non-goals explicitly exclude).
package driververify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/taskvault/vaultd/internal/audit"
	"github.com/taskvault/vaultd/internal/errs"
)

// Signature is one registered driver's trust record.
type Signature struct {
	Name       string    `json:"name"`
	Algorithm  string    `json:"algorithm"`
	DigestHex  string    `json:"digest_hex"`
	SourceURL  string    `json:"source_url"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry is the JSON trust registry file (.trust-registry.json at
// vault root) plus a rotation log of register/verify events.
type Registry struct {
	path string
	log  *audit.Log

	mu   sync.Mutex
}

// Open loads (or prepares to create) the registry at path.
func Open(path string, log *audit.Log) *Registry {
	return &Registry{path: path, log: log}
}

func (r *Registry) load() (map[string]Signature, error) {
	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return make(map[string]Signature), nil
	}
	if err != nil {
		return nil, err
	}
	var list []Signature
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: corrupt trust registry: %v", errs.ErrFileSystem, err)
	}
	out := make(map[string]Signature, len(list))
	for _, s := range list {
		out[s.Name] = s
	}
	return out, nil
}

func (r *Registry) save(entries map[string]Signature) error {
	list := make([]Signature, 0, len(entries))
	for _, s := range entries {
		list = append(list, s)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".tmp-trust-*")
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
	return os.Rename(tmp.Name(), r.path)
}

// Register adds or replaces a driver's trusted digest, sourced from a
// verified distribution channel the operator trusts out-of-band.
// Emits a `driver.registered` audit event so trust-registry changes are
// themselves auditable.
func (r *Registry) Register(name, digestHex, sourceURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return err
	}
	entries[name] = Signature{
		Name:         name,
		Algorithm:    "sha256",
		DigestHex:    digestHex,
		SourceURL:    sourceURL,
		RegisteredAt: time.Now().UTC(),
	}
	if err := r.save(entries); err != nil {
		return err
	}
	r.emit("driver.registered", name, audit.OutcomeOK, nil)
	return nil
}

// Verify recomputes the SHA-256 digest of the executable at binaryPath
// and compares it against the registered signature for name. Unknown
// drivers and digest mismatches both return errs.ErrVerification; the
// registry is re-read from disk on every call so registry edits take
// effect without a process restart.
func (r *Registry) Verify(name, binaryPath string) error {
	r.mu.Lock()
	entries, err := r.load()
	r.mu.Unlock()
	if err != nil {
		r.emit("driver.verification_failed", name, audit.OutcomeErr, err)
		return err
	}

	sig, ok := entries[name]
	if !ok {
		verr := fmt.Errorf("%w: driver %q is not registered", errs.ErrVerification, name)
		r.emit("driver.verification_failed", name, audit.OutcomeErr, verr)
		return verr
	}

	digest, err := hashFile(binaryPath)
	if err != nil {
		r.emit("driver.verification_failed", name, audit.OutcomeErr, err)
		return fmt.Errorf("%w: %v", errs.ErrVerification, err)
	}

	if digest != sig.DigestHex {
		verr := fmt.Errorf("%w: driver %q digest mismatch", errs.ErrVerification, name)
		r.emit("driver.verification_failed", name, audit.OutcomeErr, verr)
		return verr
	}

	r.emit("driver.verified", name, audit.OutcomeOK, nil)
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 64*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr != nil {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (r *Registry) emit(eventType, driver string, outcome audit.Outcome, cause error) {
	if r.log == nil {
		return
	}
	ctxMap := map[string]interface{}{"driver": driver}
	if cause != nil {
		ctxMap["error"] = cause.Error()
	}
	_ = r.log.Append(audit.Event{
		EventType:       eventType,
		Actor:           "driververify",
		Driver:          driver,
		Outcome:         outcome,
		RedactedContext: ctxMap,
	})
}
