package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	Version = "1"
	// TimeLayout is the timestamp embedded in every remote file name. It
	// sorts lexically in time order.
	TimeLayout = "2006.01.02.15.04.05"
	Ext        = ".manifest"
)

type Chunk struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Manifest describes one stored package. It is uploaded after every chunk,
// so its presence marks the package as complete.
type Manifest struct {
	ID          string    `json:"id"`
	Trigger     string    `json:"trigger"`
	Label       string    `json:"label,omitempty"`
	Timestamp   string    `json:"timestamp"`
	Version     string    `json:"version"`
	Package     string    `json:"package"`
	Checksum    string    `json:"checksum,omitempty"` // SHA-256 of the whole package
	Compression string    `json:"compression,omitempty"`
	Encryption  string    `json:"encryption,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Size        int64     `json:"size"`
	Chunks      []Chunk   `json:"chunks"`
}

func New(trigger string, at time.Time) *Manifest {
	return &Manifest{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Timestamp: Stamp(at),
		Version:   Version,
		CreatedAt: at,
	}
}

// FileName is the remote name of this manifest.
func (m *Manifest) FileName() string {
	return m.Trigger + "." + m.Timestamp + Ext
}

// Time parses the manifest timestamp.
func (m *Manifest) Time() (time.Time, error) {
	return time.Parse(TimeLayout, m.Timestamp)
}

func (m *Manifest) Serialize() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func Deserialize(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Trigger == "" || m.Timestamp == "" {
		return nil, fmt.Errorf("manifest is missing trigger or timestamp")
	}
	return &m, nil
}

func Stamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// BaseName is "<trigger>.<timestamp>", the stem shared by a package and its
// manifest.
func BaseName(trigger string, t time.Time) string {
	return trigger + "." + Stamp(t)
}

// ParseFileName recovers the trigger and timestamp from a manifest name.
func ParseFileName(name string) (trigger string, at time.Time, ok bool) {
	stem, found := strings.CutSuffix(name, Ext)
	if !found {
		return "", time.Time{}, false
	}
	trigger, stamp, found := strings.Cut(stem, ".")
	if !found || trigger == "" {
		return "", time.Time{}, false
	}
	at, err := time.Parse(TimeLayout, stamp)
	if err != nil {
		return "", time.Time{}, false
	}
	return trigger, at, true
}

// ChunkName names chunk i (zero based) of a package split into total parts.
// An unsplit package keeps its own name.
func ChunkName(pkg string, i, total int) string {
	if total <= 1 {
		return pkg
	}
	return fmt.Sprintf("%s-%03d", pkg, i+1)
}
