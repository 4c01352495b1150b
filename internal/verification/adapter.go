package verification

import (
	"encoding/json"
	"net/url"
	"strings"
)

// CodeExtractor はプロバイダ固有のWebhookペイロードから検証コードを
// 抽出する小さなアダプタインターフェース。
// 2種類のSMSプロバイダの構造の異なるペイロードを1つのメールボックスに
// 集約する前の正規化を担う。
type CodeExtractor interface {
	// TryExtractCode は生のペイロードからコードの抽出を試みる。
	// コードが見つからない場合は("", false)を返す（エラーにはしない）。
	TryExtractCode(raw []byte) (string, bool)
}

// ExtractCode はメッセージ本文から最初の6桁連続の数字列を抽出する。
// 見つからない場合は("", false)を返す。
func ExtractCode(body string) (string, bool) {
	run := 0
	start := -1
	for i, r := range body {
		if r >= '0' && r <= '9' {
			if run == 0 {
				start = i
			}
			run++
			// 7桁以上の連続はコードではない（口座番号など）ため読み飛ばす
			continue
		}
		if run == codeLength {
			return body[start : start+codeLength], true
		}
		run = 0
	}
	if run == codeLength {
		return body[start : start+codeLength], true
	}
	return "", false
}

// TwilioExtractor はフォームエンコードされたTwilioのWebhookペイロードから
// コードを抽出する。ペイロードはFrom/Body/To/MessageSidを含む。
type TwilioExtractor struct{}

// TryExtractCode はフォームエンコードされたボディのBodyフィールドからコードを抽出する。
func (TwilioExtractor) TryExtractCode(raw []byte) (string, bool) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return "", false
	}
	return ExtractCode(values.Get("Body"))
}

// telnyxEnvelope はTelnyxのJSONイベントエンベロープ。
type telnyxEnvelope struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			From struct {
				PhoneNumber string `json:"phone_number"`
			} `json:"from"`
			Text string `json:"text"`
		} `json:"payload"`
	} `json:"data"`
}

// telnyxEventMessageReceived は処理対象の受信イベント種別。
const telnyxEventMessageReceived = "message.received"

// TelnyxExtractor はJSONエンベロープ形式のTelnyxのWebhookペイロードから
// コードを抽出する。event_typeがmessage.received以外のイベントは無視する。
type TelnyxExtractor struct{}

// TryExtractCode はJSONペイロードのtextフィールドからコードを抽出する。
func (TelnyxExtractor) TryExtractCode(raw []byte) (string, bool) {
	var env telnyxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", false
	}
	if env.Data.EventType != telnyxEventMessageReceived {
		return "", false
	}
	return ExtractCode(env.Data.Payload.Text)
}

// MaskCode はログ出力用にコードの下4桁を伏せる。
func MaskCode(code string) string {
	if len(code) < 2 {
		return "******"
	}
	return code[:2] + strings.Repeat("*", 4)
}
