package tencent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// This file implements Tencent Cloud's TC3-HMAC-SHA256 request signing as pure functions of
// (credentials, request bytes, clock), so signatures are reproducible with a frozen clock. The
// scheme is Tencent's own (it is not AWS SigV4); no client library implements it.

const (
	service = "hunyuan"
	host    = "hunyuan.tencentcloudapi.com"
	action  = "chatcompletions"
	version = "2023-09-01"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// signingKey derives the TC3 signing key: HMAC("tc3_request", HMAC(service, HMAC(date,
// "TC3"+secretKey))).
func signingKey(secretKey, date string) []byte {
	kDate := hmacSHA256([]byte("TC3"+secretKey), []byte(date))
	kService := hmacSHA256(kDate, []byte(service))
	return hmacSHA256(kService, []byte("tc3_request"))
}

// canonicalRequest builds the TC3 canonical request string for a POST / with the given body
// payload hash, with the fixed header ordering the service expects.
func canonicalRequest(payloadHash string) string {
	return "POST\n/\n\ncontent-type:application/json\nhost:" + host + "\nx-tc-action:" + action + "\n\n" +
		"content-type;host;x-tc-action\n" + payloadHash
}

// stringToSign builds the TC3 string-to-sign for the given unix timestamp, date (YYYY-MM-DD),
// and canonical request hash.
func stringToSign(timestamp int64, date, canonicalReqHash string) string {
	credentialScope := date + "/" + service + "/tc3_request"
	return "TC3-HMAC-SHA256\n" + strconv.FormatInt(timestamp, 10) + "\n" + credentialScope + "\n" + canonicalReqHash
}

// Authorization builds the full Authorization header value for a request body, given the
// secretId/secretKey pair and a fixed clock (so the signer is trivially testable with a frozen
// clock).
func Authorization(secretID, secretKey string, body []byte, now time.Time) (authHeader string, timestamp int64, date string) {
	timestamp = now.Unix()
	date = now.UTC().Format("2006-01-02")

	payloadHash := sha256Hex(body)
	canonicalReq := canonicalRequest(payloadHash)
	canonicalReqHash := sha256Hex([]byte(canonicalReq))
	sts := stringToSign(timestamp, date, canonicalReqHash)

	key := signingKey(secretKey, date)
	signature := hex.EncodeToString(hmacSHA256(key, []byte(sts)))

	credentialScope := date + "/" + service + "/tc3_request"
	authHeader = "TC3-HMAC-SHA256 Credential=" + secretID + "/" + credentialScope +
		", SignedHeaders=content-type;host;x-tc-action, Signature=" + signature
	return authHeader, timestamp, date
}
