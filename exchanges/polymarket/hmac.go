package polymarket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// hmacAuth holds the L2 credentials obtained from the derive-api-key flow.
type hmacAuth struct {
	Key        string
	Secret     string // base64-encoded
	Passphrase string
}

// L2Headers returns the authentication headers for a CLOB request. The
// signature is HMAC-SHA256 over timestamp+method+path+body, keyed with the
// base64-decoded secret.
func (h *hmacAuth) L2Headers(address, method, path, body string) map[string]string {
	return h.l2HeadersAt(address, method, path, body, time.Now().Unix())
}

func (h *hmacAuth) l2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	secretBytes, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		// An undecodable secret yields an obviously-wrong signature
		// rather than a panic; the server rejects it with 401.
		secretBytes = []byte(h.Secret)
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(ts + method + path + body))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    h.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": h.Passphrase,
		"POLY_SIGNATURE":  sig,
	}
}
