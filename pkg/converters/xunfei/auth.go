package xunfei

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"
)

// BuildURL constructs the HMAC-signed WebSocket connection URL for a Spark session:
// a "host: "/"date: "/request-line signature string signed with HMAC-SHA256 over api_secret,
// wrapped in an "hmac username=..." auth header, base64-encoded and appended as a query param
// alongside the raw date and host.
func (c *Converter) BuildURL(host string, now time.Time) (string, error) {
	date := now.UTC().Format(time.RFC1123)
	requestLine := fmt.Sprintf("GET %s HTTP/1.1", c.path)
	signString := "host: " + host + "\ndate: " + date + "\n" + requestLine

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(signString))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	authHeader := fmt.Sprintf(
		`hmac username="%s", algorithm="hmac-sha256", headers="host date request-line", signature="%s"`,
		c.apiKey, signature,
	)

	q := url.Values{}
	q.Set("authorization", base64.StdEncoding.EncodeToString([]byte(authHeader)))
	q.Set("date", date)
	q.Set("host", host)

	return "wss://" + host + c.path + "?" + q.Encode(), nil
}
