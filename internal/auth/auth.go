// Package auth manages the shared token that WebSocket clients present to
// the node daemon.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
)

// TokenEnv pre-sets the token, which is convenient in containers.
const TokenEnv = "JW_TOKEN"

const tokenLength = 32

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateToken writes a fresh random token to dataDir/token (mode 0600).
func GenerateToken(dataDir string) (string, error) {
	token, err := randomAlphanumeric(tokenLength)
	if err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	if err := writeToken(dataDir, token); err != nil {
		return "", err
	}
	return token, nil
}

// LoadOrGenerateToken returns, in order of preference, the JW_TOKEN
// environment variable (persisted so ValidateToken sees it), the token
// file, or a newly generated token.
func LoadOrGenerateToken(dataDir string) (string, error) {
	if envToken := strings.TrimSpace(os.Getenv(TokenEnv)); envToken != "" {
		if err := writeToken(dataDir, envToken); err != nil {
			return "", err
		}
		return envToken, nil
	}
	if data, err := os.ReadFile(tokenPath(dataDir)); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}
	return GenerateToken(dataDir)
}

// ValidateToken reports whether candidate matches the stored token, in
// constant time. A missing token file or an empty candidate never matches.
func ValidateToken(dataDir string, candidate string) bool {
	data, err := os.ReadFile(tokenPath(dataDir))
	if err != nil {
		return false
	}
	stored := strings.TrimSpace(string(data))
	candidate = strings.TrimSpace(candidate)
	if stored == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}

func writeToken(dataDir, token string) error {
	path := tokenPath(dataDir)
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("writing token to %s: %w", path, err)
	}
	return nil
}

func tokenPath(dataDir string) string {
	return filepath.Join(dataDir, "token")
}

func randomAlphanumeric(n int) (string, error) {
	limit := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}
