package worker

import (
	"context"
	"time"
)

// Func 代表一次可計時的工作（例如一次延遲探測）
type Func func(ctx context.Context) error

// Task 代表要執行的任務
type Task struct {
	ID      string        // 任務識別碼（由提交者定義，例如 "candidate/round"）
	Run     Func          // 任務本體
	Timeout time.Duration // 執行超時時間（0 表示不設限）
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string        // 任務 ID
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
