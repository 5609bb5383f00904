package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// HMACAuth holds the credentials required for HMAC-authenticated venue
// requests. Passphrase is only used by venues that require one.
type HMACAuth struct {
	Key        string
	Secret     string
	Passphrase string
}

// Configured reports whether both key and secret are present.
func (h HMACAuth) Configured() bool {
	return h.Key != "" && h.Secret != ""
}

// SignHex returns hex(HMAC-SHA256(secret, message)). Used for query-string
// signatures.
func (h HMACAuth) SignHex(message string) string {
	return hex.EncodeToString(h.sum(message))
}

// SignBase64 returns base64(HMAC-SHA256(secret, message)). Used for header
// signatures over timestamp+method+path+body.
func (h HMACAuth) SignBase64(message string) string {
	return base64.StdEncoding.EncodeToString(h.sum(message))
}

// PrehashSignature signs the canonical timestamp+method+path+body message.
func (h HMACAuth) PrehashSignature(ts, method, path, body string) string {
	return h.SignBase64(ts + method + path + body)
}

func (h HMACAuth) sum(message string) []byte {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

// String returns a redacted representation suitable for logging.
func (h HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
