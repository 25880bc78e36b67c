package sessionstore

// ============================================================================
// Session Store 測試檔案
// 職責：驗證原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edge-session/internal/session"
	"github.com/ChuLiYu/edge-session/pkg/types"
)

func testSnapshot(fqdn string) session.Snapshot {
	st := session.New()
	st.SetRegistration(types.AppIdentity{OrgName: "org", AppName: "app", AppVersion: "1"}, "cookie", "http://token")
	st.SetInstance(types.Instance{FQDN: fqdn, Ports: []types.AppPort{{Proto: types.ProtoTCP, PublicPort: 443}}}, "edge")
	return st.Snapshot()
}

// TestSaveAndLoad 測試寫入與載入
func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	store := New(path)
	assert.Equal(t, path, store.Path())
	assert.False(t, store.Exists())

	require.NoError(t, store.Save(testSnapshot("a.example")))
	assert.True(t, store.Exists())

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, rec.SchemaVer)
	assert.Equal(t, "cookie", rec.Session.SessionCookie)
	require.NotNil(t, rec.Session.Instance)
	assert.Equal(t, "a.example", rec.Session.Instance.FQDN)
	assert.Equal(t, types.ProtoTCP, rec.Session.Instance.Ports[0].Proto)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

// TestAtomicWrite 測試並發寫入與讀取時不會讀到半成品
func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store := New(path)
	require.NoError(t, store.Save(testSnapshot("old.example")))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, store.Save(testSnapshot("new.example")))
	}()

	var loaded Record
	go func() {
		defer wg.Done()
		rec, err := store.Load()
		assert.NoError(t, err)
		loaded = rec
	}()
	wg.Wait()

	require.NotNil(t, loaded.Session.Instance)
	fqdn := loaded.Session.Instance.FQDN
	assert.True(t, fqdn == "old.example" || fqdn == "new.example", "got %s", fqdn)

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestLoadMissing 測試檔案不存在
func TestLoadMissing(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "missing.json"))
	_, err := store.Load()
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	data, err := json.Marshal(Record{SchemaVer: 2})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = New(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorruptedFile 測試損壞的檔案
func TestCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := New(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSession)
}

// TestChecksumMismatch 測試被修改過的會話內容
func TestChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store := New(path)
	require.NoError(t, store.Save(testSnapshot("a.example")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "a.example", "b.example", 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrCorruptedSession)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestChecksumIgnoresIndentation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store := New(path)
	require.NoError(t, store.Save(testSnapshot("a.example")))

	first, err := store.Load()
	require.NoError(t, err)
	assert.NotZero(t, first.Checksum)

	// 重新壓縮整個檔案後仍可載入
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var compact bytes.Buffer
	require.NoError(t, json.Compact(&compact, data))
	require.NoError(t, os.WriteFile(path, compact.Bytes(), 0o600))

	second, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, "a.example", second.Session.Instance.FQDN)
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store := New(path)
	require.NoError(t, store.Save(testSnapshot("a")))

	require.NoError(t, store.Remove())
	assert.False(t, store.Exists())
	assert.NoError(t, store.Remove(), "removing a missing file is not an error")
}
