package snapshot

// ============================================================================
// 職責說明：
// 1. 將已結束的批次 (含結果與失敗清單) 序列化為 JSON 匯出檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 只保存已結束批次；排隊中或處理中的批次不會被重播
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

// SchemaVersion 目前的匯出檔版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Data 匯出檔內容
type Data struct {
	SchemaVer  int              `json:"schema_version"`
	ExportedAt time.Time        `json:"exported_at"`
	Batches    []types.BatchJob `json:"batches"`
}

// Manager 快照管理器
type Manager struct {
	path string     // 匯出檔路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入匯出檔
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 參數：
//   - batches: 已結束的批次
//
// 返回值：
//   - error: 寫入失敗時的錯誤
func (m *Manager) Write(batches []types.BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if batches == nil {
		batches = []types.BatchJob{}
	}
	data := Data{
		SchemaVer:  SchemaVersion,
		ExportedAt: time.Now().UTC(),
		Batches:    batches,
	}

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入匯出檔
//
// 行為：
//   - 檔案不存在時回傳空的 Data（首次啟動）
//   - 驗證 schema 版本
//   - 偵測損壞的檔案
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data Data
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Data{SchemaVer: SchemaVersion, Batches: []types.BatchJob{}}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Batches == nil {
		data.Batches = []types.BatchJob{}
	}
	return data, nil
}

// Exists 檢查匯出檔是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得匯出檔路徑
func (m *Manager) GetPath() string {
	return m.path
}
