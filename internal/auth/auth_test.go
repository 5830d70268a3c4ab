package auth

import (
	"testing"
)

func TestLoadOrGenerateTokenStable(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrGenerateToken(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != tokenLength {
		t.Fatalf("token length = %d", len(first))
	}
	second, err := LoadOrGenerateToken(dir)
	if err != nil || second != first {
		t.Fatalf("second load = %q, %v; want %q", second, err, first)
	}
	if !ValidateToken(dir, first) || !ValidateToken(dir, " "+first+"\n") {
		t.Fatal("valid token rejected")
	}
	if ValidateToken(dir, "nope") || ValidateToken(dir, "") {
		t.Fatal("invalid token accepted")
	}
}

func TestTokenFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(TokenEnv, "from-env")
	token, err := LoadOrGenerateToken(dir)
	if err != nil || token != "from-env" {
		t.Fatalf("token = %q, %v", token, err)
	}
	if !ValidateToken(dir, "from-env") {
		t.Fatal("env token not persisted")
	}
}

func TestValidateWithoutTokenFile(t *testing.T) {
	if ValidateToken(t.TempDir(), "anything") {
		t.Fatal("accepted token with no token file")
	}
}
