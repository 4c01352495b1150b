// Package model はドメインモデルを定義する。
package model

import (
	"sort"
	"strings"
)

// 対象アプリのセッションCookieのうち、意味を持つキー。
const (
	cookieCompanyID  = "qbo.currentcompanyid"
	cookieAuthID     = "qbo.authid"
	cookieGAuthID    = "qbo.gauthid"
	cookieUserIdent  = "userIdentifier"
	cookieCSRF       = "qbo.csrftoken"
	cookieXCSRFDeriv = "qbo.xcsrfderivationkey"
	cookieTicket     = "qbo.ticket"
)

// Session は認証済みセッションを表す不透明なCookie束。
// 対象ドメインにスコープされた全Cookieを保持する（個別の許可リストではなく
// ドメイン単位で抽出するため、将来のCookie追加も自動的に引き継がれる）。
// 1回の同期実行が排他的に所有し、実行をまたいで永続化しない。
type Session struct {
	Cookies map[string]string
}

// CompanyID はテナント（会社）識別子を返す。
func (s *Session) CompanyID() string {
	return s.Cookies[cookieCompanyID]
}

// UserID はユーザー識別子を返す。複数のCookie名を優先順に解決する。
func (s *Session) UserID() string {
	if v := s.Cookies[cookieAuthID]; v != "" {
		return v
	}
	if v := s.Cookies[cookieGAuthID]; v != "" {
		return v
	}
	return s.Cookies[cookieUserIdent]
}

// CSRFToken はCSRFトークンを返す（存在しない場合は空文字列）。
func (s *Session) CSRFToken() string {
	return s.Cookies[cookieCSRF]
}

// XCSRFToken はx-csrf-tokenヘッダーに使用する派生キーを返す。
func (s *Session) XCSRFToken() string {
	return s.Cookies[cookieXCSRFDeriv]
}

// IsAuthenticated はセッションが認証済みと見なせるかを返す。
// テナントIDとチケットCookieの両方が揃っていることを条件とする。
func (s *Session) IsAuthenticated() bool {
	return s.CompanyID() != "" && s.Cookies[cookieTicket] != ""
}

// CookieHeader はCookieヘッダー文字列を構築する。
// テスト再現性のためキーをソートして連結する。
func (s *Session) CookieHeader() string {
	keys := make([]string, 0, len(s.Cookies))
	for k := range s.Cookies {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+s.Cookies[k])
	}
	return strings.Join(parts, "; ")
}
