package vote

import (
	"net/http"
	"strings"
	"testing"

	"github.com/SlpAus/provote-backend/pkg/token"
)

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "XFF优先于一切",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1", "X-Real-IP": "198.51.100.1"},
			remoteAddr: "192.0.2.1:443",
			want:       "203.0.113.7",
		},
		{
			name:       "XFF单值",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			remoteAddr: "192.0.2.1:443",
			want:       "203.0.113.7",
		},
		{
			name:       "XFF缺失时用X-Real-IP",
			headers:    map[string]string{"X-Real-IP": "198.51.100.1"},
			remoteAddr: "192.0.2.1:443",
			want:       "198.51.100.1",
		},
		{
			name:       "都缺失时用直连地址并去掉端口",
			headers:    nil,
			remoteAddr: "192.0.2.1:443",
			want:       "192.0.2.1",
		},
		{
			name:       "直连地址无端口时原样返回",
			headers:    nil,
			remoteAddr: "192.0.2.1",
			want:       "192.0.2.1",
		},
		{
			name:       "全部缺失",
			headers:    nil,
			remoteAddr: "",
			want:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			for k, v := range tt.headers {
				header.Set(k, v)
			}
			if got := ExtractClientIP(header, tt.remoteAddr); got != tt.want {
				t.Errorf("ExtractClientIP() = %q, 期望 %q", got, tt.want)
			}
		})
	}
}

func TestResolveFingerprint(t *testing.T) {
	validFP := strings.Repeat("ab", 32)

	t.Run("合法的客户端指纹直接采用", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Fingerprint", validFP)
		if got := ResolveFingerprint(header); got != validFP {
			t.Errorf("ResolveFingerprint() = %q, 期望采用客户端指纹", got)
		}
	})

	t.Run("非法的客户端指纹回退到请求头派生", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Fingerprint", "not-a-fingerprint")
		header.Set("User-Agent", "Mozilla/5.0")
		got := ResolveFingerprint(header)
		if got == "not-a-fingerprint" {
			t.Fatal("非法指纹不应被采用")
		}
		if ok, _ := token.ValidateFingerprintFormat(got); !ok {
			t.Errorf("派生指纹格式非法: %q", got)
		}
	})

	t.Run("无客户端指纹时请求头派生是确定性的", func(t *testing.T) {
		header := http.Header{}
		header.Set("User-Agent", "Mozilla/5.0")
		header.Set("Accept-Language", "zh-CN")
		a := ResolveFingerprint(header)
		b := ResolveFingerprint(header)
		if a != b {
			t.Error("相同请求头应派生出相同指纹")
		}
	})
}

func TestIdentityTokenStability(t *testing.T) {
	uid := uint(9)
	id1 := &Identity{UserID: &uid, IPAddress: "1.1.1.1", UserAgent: "A", Fingerprint: "fp"}
	id2 := &Identity{UserID: &uid, IPAddress: "9.9.9.9", UserAgent: "B", Fingerprint: "other"}
	if id1.Token() != id2.Token() {
		t.Error("同一用户的令牌应该跨设备稳定")
	}

	anon1 := &Identity{IPAddress: "1.1.1.1", UserAgent: "A", Fingerprint: "fp"}
	anon2 := &Identity{IPAddress: "1.1.1.1", UserAgent: "A", Fingerprint: "fp"}
	if anon1.Token() != anon2.Token() {
		t.Error("相同匿名身份的令牌应该稳定")
	}
}
