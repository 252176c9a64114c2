package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// AuditLogName is written at the root of an audited backend.
const AuditLogName = "audit.jsonl"

// AuditBackend records every mutating call on the wrapped backend in a
// hash chained JSON lines log stored next to the packages.
type AuditBackend struct {
	inner Backend
	mu    sync.Mutex
	now   func() time.Time
}

type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Path      string    `json:"path"`
	Status    string    `json:"status"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

func NewAuditBackend(inner Backend) *AuditBackend {
	return &AuditBackend{inner: inner, now: time.Now}
}

func (e *AuditEntry) computeHash() string {
	h := sha256.New()
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(e.Operation))
	h.Write([]byte(e.Path))
	h.Write([]byte(e.Status))
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *AuditBackend) record(ctx context.Context, op, name string, opErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	if rc, err := s.inner.Open(ctx, AuditLogName); err == nil {
		data, _ = io.ReadAll(rc)
		rc.Close()
	}

	var prevHash string
	if lines := splitLines(data); len(lines) > 0 {
		var last AuditEntry
		if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err == nil {
			prevHash = last.Hash
		}
	}

	entry := AuditEntry{
		Timestamp: s.now().UTC(),
		Operation: op,
		Path:      name,
		Status:    "success",
		PrevHash:  prevHash,
	}
	if opErr != nil {
		entry.Status = "error: " + opErr.Error()
	}
	entry.Hash = entry.computeHash()

	line, _ := json.Marshal(entry)
	data = append(data, line...)
	data = append(data, '\n')
	_, _ = s.inner.Save(ctx, AuditLogName, bytes.NewReader(data))
}

func splitLines(data []byte) []string {
	var lines []string
	for _, l := range bytes.Split(data, []byte{'\n'}) {
		if len(l) > 0 {
			lines = append(lines, string(l))
		}
	}
	return lines
}

// Verify reads the audit log back and checks its chain. It returns the
// number of entries checked.
func (s *AuditBackend) Verify(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, err := s.inner.Open(ctx, AuditLogName)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return 0, err
	}
	return verifyChain(data)
}

// verifyChain checks that every entry links to its predecessor and that no
// entry was altered.
func verifyChain(data []byte) (int, error) {
	prev := ""
	lines := splitLines(data)
	for i, l := range lines {
		var e AuditEntry
		if err := json.Unmarshal([]byte(l), &e); err != nil {
			return i, err
		}
		if e.PrevHash != prev || e.computeHash() != e.Hash {
			return i, errAuditChain
		}
		prev = e.Hash
	}
	return len(lines), nil
}

var errAuditChain = auditError("audit log chain is broken")

type auditError string

func (e auditError) Error() string { return string(e) }

func (s *AuditBackend) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	loc, err := s.inner.Save(ctx, name, r)
	s.record(ctx, "SAVE", name, err)
	return loc, err
}

func (s *AuditBackend) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return s.inner.Open(ctx, name)
}

func (s *AuditBackend) Delete(ctx context.Context, name string) error {
	err := s.inner.Delete(ctx, name)
	s.record(ctx, "DELETE", name, err)
	return err
}

func (s *AuditBackend) List(ctx context.Context, dir string) ([]string, error) {
	return s.inner.List(ctx, dir)
}

func (s *AuditBackend) Location() string { return s.inner.Location() }

func (s *AuditBackend) Close() error { return s.inner.Close() }
