package sessionstore

// ============================================================================
// 職責說明：
// 1. 將最後一次的 SessionState 序列化為 JSON 檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性與 CRC32 校驗和
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/edge-session/internal/session"
)

// SchemaVersion 目前的檔案格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSession    = errors.New("session file is corrupted")
	ErrIncompatibleVersion = errors.New("session schema version is incompatible")
	ErrSessionNotFound     = errors.New("session file not found")
)

// Record 持久化的檔案內容
type Record struct {
	SchemaVer int              `json:"schema_ver"`
	SavedAt   time.Time        `json:"saved_at"`
	Checksum  uint32           `json:"checksum"` // CRC32-IEEE of the compact session JSON
	Session   session.Snapshot `json:"session"`
}

// envelope 與 Record 相同，但保留原始的 session 位元組以驗證校驗和
type envelope struct {
	SchemaVer int             `json:"schema_ver"`
	SavedAt   time.Time       `json:"saved_at"`
	Checksum  uint32          `json:"checksum"`
	Session   json.RawMessage `json:"session"`
}

// checksum 計算 session JSON 的 CRC32；縮排不影響結果
func checksum(raw []byte) (uint32, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(buf.Bytes()), nil
}

// Store 會話檔案管理器
type Store struct {
	path string     // 檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// New 建立會話檔案管理器
func New(path string) *Store {
	return &Store{path: path}
}

// Save 原子性寫入
//
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (s *Store) Save(snap session.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	sum, err := checksum(payload)
	if err != nil {
		return fmt.Errorf("failed to checksum session: %w", err)
	}
	env := envelope{SchemaVer: SchemaVersion, SavedAt: time.Now().UTC(), Checksum: sum, Session: payload}
	jsonBytes, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create session dir: %w", err)
		}
	}

	tmpPath := s.path + ".tmp"
	// 會話檔含憑證，只允許擁有者讀寫
	if err := os.WriteFile(tmpPath, jsonBytes, 0o600); err != nil {
		return fmt.Errorf("failed to write temp session: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename session: %w", err)
	}
	return nil
}

// Load 載入會話檔
//
// 行為：
//   - 檔案不存在時回傳 ErrSessionNotFound
//   - 驗證 schema 版本
//   - 偵測損壞的檔案（JSON 錯誤或校驗和不符）
func (s *Store) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec Record
	jsonBytes, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return rec, ErrSessionNotFound
		}
		return rec, fmt.Errorf("failed to read session: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(jsonBytes, &env); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrCorruptedSession, err)
	}
	if env.SchemaVer != SchemaVersion {
		return rec, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.SchemaVer, SchemaVersion)
	}
	if len(env.Session) == 0 {
		return rec, fmt.Errorf("%w: missing session", ErrCorruptedSession)
	}
	sum, err := checksum(env.Session)
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrCorruptedSession, err)
	}
	if sum != env.Checksum {
		return rec, fmt.Errorf("%w: checksum mismatch (stored %08x, computed %08x)", ErrCorruptedSession, env.Checksum, sum)
	}

	rec = Record{SchemaVer: env.SchemaVer, SavedAt: env.SavedAt, Checksum: env.Checksum}
	if err := json.Unmarshal(env.Session, &rec.Session); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrCorruptedSession, err)
	}
	return rec, nil
}

// Remove 刪除會話檔（會話關閉時）
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// Exists 檢查檔案是否存在
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path 取得檔案路徑
func (s *Store) Path() string {
	return s.path
}
