package auth

import (
	"errors"
	"testing"
	"time"
)

const secret = "jwt-test-secret-with-enough-length-123456"

func TestGenerateAndParseToken(t *testing.T) {
	token, err := GenerateToken(secret, time.Minute, Claims{
		UserID:    "u-1",
		TokenType: TokenTypeAccess,
		Metadata:  map[string]string{MetadataWorkspaceID: "ws-1"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ParseToken(token, secret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "u-1" || claims.WorkspaceID() != "ws-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseTokenRejectsWrongSecretAndExpiry(t *testing.T) {
	token, err := GenerateToken(secret, time.Minute, Claims{UserID: "u-1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParseToken(token, "another-secret-with-enough-length-1234"); err == nil {
		t.Fatalf("expected signature error")
	}

	expired, err := GenerateToken(secret, -time.Minute, Claims{UserID: "u-1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParseToken(expired, secret); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestGenerateTokenRequiresSecret(t *testing.T) {
	if _, err := GenerateToken("", time.Minute, Claims{}); err == nil {
		t.Fatalf("expected error for empty secret")
	}
	var nilClaims *Claims
	if nilClaims.WorkspaceID() != "" {
		t.Fatalf("nil claims must have empty workspace")
	}
}

func TestParseAccessTokenChecksTypeAndUser(t *testing.T) {
	refresh, err := GenerateToken(secret, time.Minute, Claims{UserID: "u-1", TokenType: "refresh"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParseAccessToken(refresh, secret); !errors.Is(err, ErrTokenType) {
		t.Fatalf("expected ErrTokenType, got %v", err)
	}

	anonymous, err := GenerateToken(secret, time.Minute, Claims{TokenType: TokenTypeAccess})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParseAccessToken(anonymous, secret); !errors.Is(err, ErrSubjectEmpty) {
		t.Fatalf("expected ErrSubjectEmpty, got %v", err)
	}

	if _, err := ParseAccessToken("not-a-jwt", secret); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}
