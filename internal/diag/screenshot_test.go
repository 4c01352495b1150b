package diag

import "testing"

func TestScreenshotStore(t *testing.T) {
	s := NewScreenshotStore()

	if _, _, ok := s.Latest(); ok {
		t.Error("未保存の状態で ok = true")
	}

	s.Store([]byte("first"))
	s.Store([]byte("second"))

	png, takenAt, ok := s.Latest()
	if !ok {
		t.Fatal("保存後に ok = false")
	}
	// 直近の1枚のみが保持されること
	if string(png) != "second" {
		t.Errorf("png = %s, want second", png)
	}
	if takenAt.IsZero() {
		t.Error("撮影時刻がゼロ値")
	}
}
