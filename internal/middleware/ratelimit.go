package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WebhookRateLimiterConfig はWebhookレート制限の設定を保持する。
type WebhookRateLimiterConfig struct {
	RatePerMin      int           // 送信元アドレスごとの req/min
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultWebhookRateLimiterConfig はデフォルトのレート制限設定を返す。
func DefaultWebhookRateLimiterConfig(ratePerMin int) WebhookRateLimiterConfig {
	return WebhookRateLimiterConfig{
		RatePerMin:      ratePerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// addrLimiter は送信元アドレスごとのレートリミッターとアクセス時刻を保持する。
type addrLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// WebhookRateLimiter はWebhookエンドポイントのレート制限を管理する。
// 認証のない公開エンドポイントのため、送信元アドレス単位で制限する。
type WebhookRateLimiter struct {
	config WebhookRateLimiterConfig

	mu       sync.Mutex
	limiters map[string]*addrLimiter

	stopCh chan struct{}
}

// NewWebhookRateLimiter は新しいWebhookRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewWebhookRateLimiter(config WebhookRateLimiterConfig) *WebhookRateLimiter {
	rl := &WebhookRateLimiter{
		config:   config,
		limiters: make(map[string]*addrLimiter),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *WebhookRateLimiter) Stop() {
	close(rl.stopCh)
}

// Middleware は送信元アドレス単位のレート制限ミドルウェアを返す。
func (rl *WebhookRateLimiter) Middleware() func(next http.Handler) http.Handler {
	perSec := rate.Limit(float64(rl.config.RatePerMin) / 60.0)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := remoteHost(r)
			limiter := rl.getOrCreate(addr, perSec)

			if !limiter.Allow() {
				writeRateLimitResponse(w, perSec)
				slog.Warn("rate limit exceeded",
					slog.String("remote_addr", addr),
					slog.String("limit_type", "webhook"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *WebhookRateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// getOrCreate は送信元アドレスのリミッターを取得または作成する。
func (rl *WebhookRateLimiter) getOrCreate(addr string, perSec rate.Limit) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if al, exists := rl.limiters[addr]; exists {
		al.lastAccess = time.Now()
		return al.limiter
	}

	limiter := rate.NewLimiter(perSec, rl.config.RatePerMin)
	rl.limiters[addr] = &addrLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *WebhookRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *WebhookRateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()

	rl.mu.Lock()
	for addr, al := range rl.limiters {
		if now.Sub(al.lastAccess) > ttl {
			delete(rl.limiters, addr)
		}
	}
	rl.mu.Unlock()
}

// remoteHost はリクエストの送信元ホストを返す。ポート番号は無視する。
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":    "rate_limit_exceeded",
		"message": "Too many requests. Please try again later.",
		"action":  "Please wait and retry after the specified time.",
	})
}
