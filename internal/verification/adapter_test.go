package verification

import (
	"net/url"
	"testing"
)

func TestExtractCode(t *testing.T) {
	tests := []struct {
		body   string
		want   string
		wantOK bool
	}{
		{"Your code is 482913, expires soon", "482913", true},
		{"Your Intuit verification code is 123456", "123456", true},
		{"482913", "482913", true},
		{"no digits here", "", false},
		{"short 12345 run", "", false},
		{"too long 1234567 run", "", false},
		{"first 111111 then 222222", "111111", true}, // 最初の6桁連続のみ
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := ExtractCode(tt.body)
		if ok != tt.wantOK {
			t.Errorf("ExtractCode(%q) ok = %v, want %v", tt.body, ok, tt.wantOK)
			continue
		}
		if got != tt.want {
			t.Errorf("ExtractCode(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestTwilioExtractor(t *testing.T) {
	form := url.Values{}
	form.Set("From", "+15551234567")
	form.Set("To", "+15557654321")
	form.Set("MessageSid", "SM123")
	form.Set("Body", "Your Intuit verification code is 482913")

	code, ok := TwilioExtractor{}.TryExtractCode([]byte(form.Encode()))
	if !ok {
		t.Fatal("コードが抽出されなかった")
	}
	if code != "482913" {
		t.Errorf("code = %s, want 482913", code)
	}
}

func TestTwilioExtractor_NoCode(t *testing.T) {
	form := url.Values{}
	form.Set("From", "+15551234567")
	form.Set("Body", "Hello there")

	if _, ok := (TwilioExtractor{}).TryExtractCode([]byte(form.Encode())); ok {
		t.Error("コードのないボディから抽出が成功した")
	}
}

func TestTelnyxExtractor(t *testing.T) {
	payload := `{
		"data": {
			"event_type": "message.received",
			"payload": {
				"from": {"phone_number": "+15551234567"},
				"text": "Your Intuit verification code is 482913"
			}
		}
	}`

	code, ok := TelnyxExtractor{}.TryExtractCode([]byte(payload))
	if !ok {
		t.Fatal("コードが抽出されなかった")
	}
	if code != "482913" {
		t.Errorf("code = %s, want 482913", code)
	}
}

func TestTelnyxExtractor_IgnoresOtherEvents(t *testing.T) {
	// message.received 以外のイベントは承認して無視する
	payload := `{
		"data": {
			"event_type": "message.sent",
			"payload": {
				"from": {"phone_number": "+15551234567"},
				"text": "Your code is 482913"
			}
		}
	}`

	if _, ok := (TelnyxExtractor{}).TryExtractCode([]byte(payload)); ok {
		t.Error("message.received 以外のイベントからコードが抽出された")
	}
}

func TestTelnyxExtractor_InvalidJSON(t *testing.T) {
	if _, ok := (TelnyxExtractor{}).TryExtractCode([]byte("not json")); ok {
		t.Error("不正なJSONから抽出が成功した")
	}
}

func TestMaskCode(t *testing.T) {
	if got := MaskCode("482913"); got != "48****" {
		t.Errorf("MaskCode = %s, want 48****", got)
	}
}
