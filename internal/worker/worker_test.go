package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandle_Join_Completes(t *testing.T) {
	h := Start(context.Background(), discardLogger(), "export", func(_ context.Context) (string, error) {
		return "done", nil
	})

	summary, err, finished := h.Join(time.Second)
	if !finished {
		t.Fatal("finished = false, want true")
	}
	if err != nil {
		t.Errorf("err = %v, want nil", err)
	}
	if summary != "done" {
		t.Errorf("summary = %s, want done", summary)
	}
}

func TestHandle_Join_Error(t *testing.T) {
	wantErr := errors.New("boom")
	h := Start(context.Background(), discardLogger(), "export", func(_ context.Context) (string, error) {
		return "", wantErr
	})

	_, err, finished := h.Join(time.Second)
	if !finished {
		t.Fatal("finished = false, want true")
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestHandle_Join_StillPending(t *testing.T) {
	release := make(chan struct{})
	h := Start(context.Background(), discardLogger(), "export", func(_ context.Context) (string, error) {
		<-release
		return "late", nil
	})

	// 猶予時間内に完了しないタスクは失敗ではなく未完了として報告されること
	_, err, finished := h.Join(10 * time.Millisecond)
	if finished {
		t.Error("finished = true, want false")
	}
	if err != nil {
		t.Errorf("err = %v, want nil", err)
	}

	close(release)
	if _, _, finished := h.Join(time.Second); !finished {
		t.Error("解放後の Join が完了を返さなかった")
	}
}

func TestHandle_RecoversPanic(t *testing.T) {
	h := Start(context.Background(), discardLogger(), "export", func(_ context.Context) (string, error) {
		panic("unexpected")
	})

	_, err, finished := h.Join(time.Second)
	if !finished {
		t.Fatal("finished = false, want true")
	}
	if err == nil {
		t.Error("パニックがエラーに変換されなかった")
	}
}
