// Package diag は失敗診断用の状態保持を提供する。
package diag

import (
	"sync"
	"time"
)

// ScreenshotStore は直近の診断スクリーンショットを1枚だけ保持する。
// ログイン失敗時などに上書き保存され、HTTP経由で取得できる。
type ScreenshotStore struct {
	mu      sync.Mutex
	png     []byte
	takenAt time.Time
}

// NewScreenshotStore はScreenshotStoreの新しいインスタンスを生成する。
func NewScreenshotStore() *ScreenshotStore {
	return &ScreenshotStore{}
}

// Store はスクリーンショットを保存する。既存の保存内容は上書きされる。
func (s *ScreenshotStore) Store(png []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.png = png
	s.takenAt = time.Now()
}

// Latest は直近のスクリーンショットと撮影時刻を返す。
// 保存されていない場合は ok = false を返す。
func (s *ScreenshotStore) Latest() (png []byte, takenAt time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.png == nil {
		return nil, time.Time{}, false
	}
	return s.png, s.takenAt, true
}
