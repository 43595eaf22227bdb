package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memObjectStore struct {
	objects map[string][]byte
	listErr error
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[string][]byte)}
}

func (m *memObjectStore) Upload(ctx context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []ObjectInfo
	for key, data := range m.objects {
		out = append(out, ObjectInfo{Key: key, Size: int64(len(data))})
	}
	return out, nil
}

func (m *memObjectStore) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

type fileSnapshotter struct {
	content []byte
}

func (f *fileSnapshotter) BackupTo(ctx context.Context, destPath string) error {
	return os.WriteFile(destPath, f.content, 0644)
}

func newTestBackupService(t *testing.T, objects ObjectStore) (*BackupService, *fileSnapshotter) {
	t.Helper()
	snap := &fileSnapshotter{content: []byte("sqlite pretend payload")}
	return NewBackupService(snap, objects, t.TempDir(), zerolog.Nop()), snap
}

func TestCreateAndUploadBackup(t *testing.T) {
	store := newMemObjectStore()
	s, snap := newTestBackupService(t, store)

	require.NoError(t, s.CreateAndUploadBackup(context.Background()))
	require.Len(t, store.objects, 1)

	var key string
	for k := range store.objects {
		key = k
	}
	assert.Contains(t, key, backupPrefix)
	assert.Contains(t, key, ".tar.gz")

	// The archive holds the snapshot and metadata with a matching checksum.
	contents := readTarGz(t, store.objects[key])
	require.Contains(t, contents, "archive.db")
	require.Contains(t, contents, "backup-metadata.json")
	assert.Equal(t, snap.content, contents["archive.db"])

	var meta BackupMetadata
	require.NoError(t, json.Unmarshal(contents["backup-metadata.json"], &meta))
	assert.Equal(t, "archive.db", meta.Database.Filename)
	assert.Equal(t, int64(len(snap.content)), meta.Database.SizeBytes)
	assert.Equal(t, fmt.Sprintf("sha256:%x", sha256.Sum256(snap.content)), meta.Database.Checksum)
}

func TestListBackupsNewestFirst(t *testing.T) {
	store := newMemObjectStore()
	store.objects[backupPrefix+"2026-08-20-120000.tar.gz"] = []byte("a")
	store.objects[backupPrefix+"2026-08-22-120000.tar.gz"] = []byte("bb")
	store.objects["unrelated.txt"] = []byte("x")
	store.objects[backupPrefix+"not-a-timestamp.tar.gz"] = []byte("y")

	s, _ := newTestBackupService(t, store)
	backups, err := s.ListBackups(context.Background())
	require.NoError(t, err)

	require.Len(t, backups, 2)
	assert.Equal(t, backupPrefix+"2026-08-22-120000.tar.gz", backups[0].Filename)
	assert.Equal(t, backupPrefix+"2026-08-20-120000.tar.gz", backups[1].Filename)
	assert.Equal(t, int64(2), backups[0].SizeBytes)
}

func TestRotateKeepsNewestThree(t *testing.T) {
	store := newMemObjectStore()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for _, age := range []int{1, 2, 10, 20, 30} {
		ts := now.AddDate(0, 0, -age).Format(backupTimeLayout)
		store.objects[backupPrefix+ts+".tar.gz"] = []byte("x")
	}

	s, _ := newTestBackupService(t, store)
	s.now = func() time.Time { return now }

	require.NoError(t, s.RotateOldBackups(context.Background(), 7))

	// Ages 1, 2, 10 survive as the newest three; 20 and 30 are past
	// retention and deleted.
	assert.Len(t, store.objects, 3)
	for _, age := range []int{1, 2, 10} {
		ts := now.AddDate(0, 0, -age).Format(backupTimeLayout)
		assert.Contains(t, store.objects, backupPrefix+ts+".tar.gz")
	}
}

func TestRotateSkipsWhenFewBackups(t *testing.T) {
	store := newMemObjectStore()
	old := time.Now().AddDate(0, 0, -90).Format(backupTimeLayout)
	store.objects[backupPrefix+old+".tar.gz"] = []byte("x")

	s, _ := newTestBackupService(t, store)
	require.NoError(t, s.RotateOldBackups(context.Background(), 7))
	assert.Len(t, store.objects, 1)
}

func TestRotateZeroRetentionKeepsAll(t *testing.T) {
	store := newMemObjectStore()
	now := time.Now()
	for _, age := range []int{10, 40, 70, 100} {
		ts := now.AddDate(0, 0, -age).Format(backupTimeLayout)
		store.objects[backupPrefix+ts+".tar.gz"] = []byte("x")
	}

	s, _ := newTestBackupService(t, store)
	require.NoError(t, s.RotateOldBackups(context.Background(), 0))
	assert.Len(t, store.objects, 4)
}

func readTarGz(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	out := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[header.Name] = content
	}
	return out
}
