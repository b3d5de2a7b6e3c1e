package transfer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Header names for the peer transfer protocol's request signing (§6.4).
const (
	HeaderAccessKey = "X-Mosaicfs-Access-Key"
	HeaderTimestamp = "X-Mosaicfs-Timestamp"
	HeaderSignature = "X-Mosaicfs-Signature"
)

// canonicalString is the exact byte sequence both signer and verifier hash.
// It deliberately omits the request body (transfer requests have none) and
// binds only to the method, path, access key, and timestamp, so a captured
// request can't be replayed against a different path or after the
// clock-skew window closes.
func canonicalString(method, path, accessKeyID string, timestamp int64) string {
	return fmt.Sprintf("%s\n%s\n%s\n%d", method, path, accessKeyID, timestamp)
}

func sign(secretKey, accessKeyID, method, path string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(canonicalString(method, path, accessKeyID, timestamp)))
	return hex.EncodeToString(mac.Sum(nil))
}

// signRequest adds the access key, timestamp, and signature headers a
// transfer server verifies before serving a range.
func signRequest(req *http.Request, accessKeyID, secretKey string, now time.Time) {
	ts := now.Unix()
	req.Header.Set(HeaderAccessKey, accessKeyID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, sign(secretKey, accessKeyID, req.Method, req.URL.Path, ts))
}

// verifyRequest checks the access key, signature, and clock skew (§6.4: a
// request outside the skew window is rejected even with a correct
// signature, so a stolen request can't be replayed indefinitely).
func verifyRequest(r *http.Request, accessKeyID, secretKey string, skew time.Duration, now time.Time) error {
	if r.Header.Get(HeaderAccessKey) != accessKeyID {
		return fmt.Errorf("unknown access key")
	}

	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("malformed timestamp")
	}
	reqTime := time.Unix(ts, 0)
	if reqTime.Before(now.Add(-skew)) || reqTime.After(now.Add(skew)) {
		return fmt.Errorf("request timestamp outside clock-skew window")
	}

	want := sign(secretKey, accessKeyID, r.Method, r.URL.Path, ts)
	got := r.Header.Get(HeaderSignature)
	if !hmac.Equal([]byte(want), []byte(got)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
