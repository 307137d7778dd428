package jwt

import (
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndParse(t *testing.T) {
	Init("test-secret")

	token, err := GenerateToken("alice", 10, 2)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Username != "alice" || claims.Role != 10 {
		t.Fatalf("声明异常: %+v", claims)
	}
	if claims.Issuer != "gateway-sentinel" || claims.Subject != "alice" {
		t.Fatalf("注册声明异常: %+v", claims.RegisteredClaims)
	}

	// 有效期按传入小时数
	ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if ttl != 2*time.Hour {
		t.Fatalf("有效期 %v, want 2h", ttl)
	}
}

func TestGenerateTokenExpireClamp(t *testing.T) {
	Init("test-secret")

	for _, hours := range []int{0, -1, 25} {
		token, err := GenerateToken("bob", 1, hours)
		if err != nil {
			t.Fatalf("GenerateToken(%d): %v", hours, err)
		}
		claims, err := ParseToken(token)
		if err != nil {
			t.Fatalf("ParseToken: %v", err)
		}
		if ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time); ttl != 24*time.Hour {
			t.Fatalf("非法时长 %d 应钳制为 24h, got %v", hours, ttl)
		}
	}
}

func TestParseTokenRejectsTampered(t *testing.T) {
	Init("test-secret")

	token, err := GenerateToken("alice", 10, 1)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	// 换密钥后旧 Token 失效
	Init("another-secret")
	if _, err := ParseToken(token); err == nil {
		t.Fatalf("换密钥后应解析失败")
	}
	if ValidateToken(token) {
		t.Fatalf("ValidateToken 应返回 false")
	}

	Init("test-secret")
	if !ValidateToken(token) {
		t.Fatalf("原密钥下应有效")
	}

	// 篡改载荷
	parts := strings.Split(token, ".")
	parts[1] = parts[1][:len(parts[1])-2] + "xx"
	if ValidateToken(strings.Join(parts, ".")) {
		t.Fatalf("篡改后的 Token 不应通过")
	}
}

func TestParseTokenRejectsNonHMAC(t *testing.T) {
	Init("test-secret")

	// alg=none 一律拒绝
	unsigned := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, Claims{Username: "mallory"})
	token, err := unsigned.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("构造 none Token: %v", err)
	}
	if _, err := ParseToken(token); err == nil {
		t.Fatalf("none 签名不应通过")
	}
}
