// Package webhook authenticates provider callbacks and maps their payloads
// onto revalidation requests.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

type ProviderName string

const (
	Trello  ProviderName = "trello"
	GitHub  ProviderName = "github"
	Generic ProviderName = "generic"
)

// Verify checks signature against an HMAC of body keyed by secret. Trello
// signatures are base64 HMAC-SHA1; every other provider uses hex
// HMAC-SHA256 with an optional "sha256=" prefix. Empty secrets or signatures
// never verify.
func Verify(body []byte, signature, secret string, provider ProviderName) bool {
	signature = strings.TrimSpace(signature)
	if secret == "" || signature == "" {
		return false
	}
	if provider == Trello {
		mac := hmac.New(sha1.New, []byte(secret))
		mac.Write(body)
		want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(want), []byte(signature))
	}

	signature = strings.TrimPrefix(signature, "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

// Sign produces the signature Verify accepts for provider. Used by tests and
// by the CLI when posting to a generic endpoint.
func Sign(body []byte, secret string, provider ProviderName) string {
	if provider == Trello {
		mac := hmac.New(sha1.New, []byte(secret))
		mac.Write(body)
		return base64.StdEncoding.EncodeToString(mac.Sum(nil))
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sum := hex.EncodeToString(mac.Sum(nil))
	if provider == GitHub {
		return "sha256=" + sum
	}
	return sum
}
