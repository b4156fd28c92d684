package security

import (
	"testing"
	"time"
)

// ssrfGuardはSSRFGuardServiceインターフェースを満たすことを検証
func TestSSRFGuard_ImplementsInterface(t *testing.T) {
	var _ SSRFGuardService = (*ssrfGuard)(nil)
}

// TestNewSafeClient はSSRF防止機能付きクライアントが生成されることを検証する。
func TestNewSafeClient(t *testing.T) {
	guard := NewSSRFGuard()
	client := guard.NewSafeClient(10 * time.Second)
	if client == nil {
		t.Fatal("expected non-nil client")
	}
	if client.Timeout != 10*time.Second {
		t.Errorf("タイムアウトが不正: got %v, want %v", client.Timeout, 10*time.Second)
	}
}

// TestValidateURL_Allowed は正当なURLが検証を通過することを検証する。
func TestValidateURL_Allowed(t *testing.T) {
	guard := NewSSRFGuard()

	tests := []struct {
		name string
		url  string
	}{
		{"商品ページURL", "https://amazon.com/dp/B000TEST01"},
		{"日本の商品ページURL", "https://amazon.co.jp/dp/B000TEST01"},
		{"画像CDNのURL", "https://m.media-amazon.com/images/I/71abc123._SL1500_.jpg"},
		{"httpも許可される", "http://example.com/image.jpg"},
		{"パブリックIPは許可される", "https://93.184.216.34/image.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := guard.ValidateURL(tt.url); err != nil {
				t.Errorf("ValidateURL(%q) = %v, want nil", tt.url, err)
			}
		})
	}
}

// TestValidateURL_Blocked は危険なURLが拒否されることを検証する。
func TestValidateURL_Blocked(t *testing.T) {
	guard := NewSSRFGuard()

	tests := []struct {
		name string
		url  string
	}{
		{"空URL", ""},
		{"fileスキーム", "file:///etc/passwd"},
		{"ftpスキーム", "ftp://example.com/file"},
		{"javascriptスキーム", "javascript:alert(1)"},
		{"ホストなし", "https://"},
		{"localhost", "http://localhost/admin"},
		{"ループバックIP", "http://127.0.0.1/admin"},
		{"プライベートIP_10系", "http://10.0.0.5/internal"},
		{"プライベートIP_172系", "http://172.16.0.1/internal"},
		{"プライベートIP_192系", "http://192.168.1.1/router"},
		{"メタデータIP", "http://169.254.169.254/latest/meta-data/"},
		{"IPv6ループバック", "http://[::1]/admin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := guard.ValidateURL(tt.url); err == nil {
				t.Errorf("ValidateURL(%q) = nil, want error", tt.url)
			}
		})
	}
}
