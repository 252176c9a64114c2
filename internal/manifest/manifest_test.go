package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifest_SerializeDeserialize(t *testing.T) {
	at := time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)
	m := New("nightly", at)
	m.Package = "nightly.2026.03.01.02.30.00.tar.gz"
	m.Compression = "gzip"
	m.Size = 1024
	m.Chunks = []Chunk{{Name: m.Package, Size: 1024, Checksum: "deadbeef"}}

	data, err := m.Serialize()
	require.NoError(t, err)

	m2, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, m.ID, m2.ID)
	assert.Equal(t, "nightly", m2.Trigger)
	assert.Equal(t, "2026.03.01.02.30.00", m2.Timestamp)
	assert.Equal(t, m.Chunks, m2.Chunks)
	assert.True(t, m.CreatedAt.Equal(m2.CreatedAt), "times should match")
	assert.Equal(t, "nightly.2026.03.01.02.30.00.manifest", m2.FileName())

	ts, err := m2.Time()
	require.NoError(t, err)
	assert.True(t, at.Equal(ts))
}

func TestManifest_Deserialize_Invalid(t *testing.T) {
	_, err := Deserialize([]byte(`{invalid json`))
	assert.Error(t, err)

	_, err = Deserialize([]byte(`{"id":"x"}`))
	assert.Error(t, err)
}

func TestNewManifest(t *testing.T) {
	m := New("hourly", time.Now())

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, Version, m.Version)
	assert.NotEqual(t, m.ID, New("hourly", time.Now()).ID)
}

func TestParseFileName(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	trigger, ts, ok := ParseFileName(New("db_prod-1", at).FileName())
	require.True(t, ok)
	assert.Equal(t, "db_prod-1", trigger)
	assert.True(t, at.Equal(ts))

	for _, bad := range []string{
		"nightly.2026.01.02.03.04.05.tar",
		"nightly.manifest",
		".2026.01.02.03.04.05.manifest",
		"nightly.yesterday.manifest",
	} {
		_, _, ok := ParseFileName(bad)
		assert.False(t, ok, bad)
	}
}

func TestNamesSortChronologically(t *testing.T) {
	early := New("t", time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)).FileName()
	late := New("t", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)).FileName()
	assert.Less(t, early, late)
}

func TestChunkName(t *testing.T) {
	assert.Equal(t, "p.tar", ChunkName("p.tar", 0, 1))
	assert.Equal(t, "p.tar-001", ChunkName("p.tar", 0, 3))
	assert.Equal(t, "p.tar-003", ChunkName("p.tar", 2, 3))
}
