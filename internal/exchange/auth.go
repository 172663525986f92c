// auth.go implements Binance request signing.
//
// Signed (TRADE/USER_DATA) endpoints take a timestamp and recvWindow in the
// query string plus an HMAC-SHA256 signature of the full query, hex encoded.
// The API key travels in the X-MBX-APIKEY header on every request; only the
// secret participates in signing.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// Auth signs requests and compensates for clock drift against server time.
type Auth struct {
	apiKey     string
	secret     []byte
	recvWindow int
	offsetMS   atomic.Int64 // serverTime - localTime, from SyncServerTime
}

// NewAuth creates a signer. recvWindowMS bounds how stale a signed request
// may be when it reaches the matching engine.
func NewAuth(apiKey, secret string, recvWindowMS int) (*Auth, error) {
	if apiKey == "" || secret == "" {
		return nil, fmt.Errorf("auth: api key and secret are required")
	}
	if recvWindowMS <= 0 {
		recvWindowMS = 5000
	}
	return &Auth{apiKey: apiKey, secret: []byte(secret), recvWindow: recvWindowMS}, nil
}

// APIKey returns the header credential.
func (a *Auth) APIKey() string { return a.apiKey }

// SetServerTimeOffset records the measured serverTime − localTime delta.
func (a *Auth) SetServerTimeOffset(offset time.Duration) {
	a.offsetMS.Store(offset.Milliseconds())
}

// Timestamp returns the drift-corrected request timestamp in milliseconds.
func (a *Auth) Timestamp() int64 {
	return time.Now().UnixMilli() + a.offsetMS.Load()
}

// Sign appends timestamp, recvWindow, and the HMAC-SHA256 signature to the
// given query values and returns the encoded query string.
func (a *Auth) Sign(params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(a.Timestamp(), 10))
	params.Set("recvWindow", strconv.Itoa(a.recvWindow))

	query := params.Encode()
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}
