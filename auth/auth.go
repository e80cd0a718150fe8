// Package auth signs PutLogs requests with the caller's access key pair.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hsdfat/go-klog/klogerr"
)

// SignatureMethod is advertised in the X-Klog-Signature-Method header.
const SignatureMethod = "hmac-sha1"

// Credential supplies the access key pair used for signing. Implementations
// may rotate keys between calls.
type Credential interface {
	AccessKey() string
	SecretKey() string
}

// StaticCredential is a fixed access key pair.
type StaticCredential struct {
	accessKey string
	secretKey string
}

// NewStaticCredential trims and validates the key pair.
func NewStaticCredential(accessKey, secretKey string) (*StaticCredential, error) {
	c := &StaticCredential{
		accessKey: strings.TrimSpace(accessKey),
		secretKey: strings.TrimSpace(secretKey),
	}
	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *StaticCredential) AccessKey() string { return c.accessKey }
func (c *StaticCredential) SecretKey() string { return c.secretKey }

// Validate returns a configuration error if either key is empty.
func Validate(c Credential) error {
	if c == nil {
		return klogerr.Configf("credential is required")
	}
	if strings.TrimSpace(c.AccessKey()) == "" {
		return klogerr.Configf("access key is empty")
	}
	if strings.TrimSpace(c.SecretKey()) == "" {
		return klogerr.Configf("secret key is empty")
	}
	return nil
}

// Request describes the parts of a request covered by the signature.
type Request struct {
	Method      string
	Path        string
	Query       string
	Body        []byte
	ContentType string
	Headers     map[string]string // protocol headers, e.g. X-Klog-Api-Version
}

// Signer computes authentication headers for a request.
type Signer interface {
	Sign(req *Request) (http.Header, error)
}

// HMACSigner signs requests with HMAC-SHA1 over the canonical request.
type HMACSigner struct {
	credential Credential
	now        func() time.Time
}

// NewHMACSigner creates a signer for credential.
func NewHMACSigner(credential Credential) *HMACSigner {
	return &HMACSigner{credential: credential, now: time.Now}
}

// Sign returns the protocol headers plus Date, Content-MD5 and
// Authorization.
//
// The string to sign is
//
//	METHOD \n Content-MD5 \n Content-Type \n Date \n
//	x-klog-* headers (lowercased, sorted, "k:v\n") PATH?QUERY
func (s *HMACSigner) Sign(req *Request) (http.Header, error) {
	if err := Validate(s.credential); err != nil {
		return nil, err
	}

	sum := md5.Sum(req.Body)
	contentMD5 := strings.ToUpper(hex.EncodeToString(sum[:]))
	date := s.now().UTC().Format(http.TimeFormat)

	headers := make(http.Header, len(req.Headers)+4)
	for k, v := range req.Headers {
		headers.Set(k, v)
	}
	headers.Set("Content-Type", req.ContentType)
	headers.Set("Content-MD5", contentMD5)
	headers.Set("Date", date)

	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte('\n')
	b.WriteString(contentMD5)
	b.WriteByte('\n')
	b.WriteString(req.ContentType)
	b.WriteByte('\n')
	b.WriteString(date)
	b.WriteByte('\n')
	b.WriteString(canonicalHeaders(req.Headers))
	b.WriteString(req.Path)
	if req.Query != "" {
		b.WriteByte('?')
		b.WriteString(req.Query)
	}

	mac := hmac.New(sha1.New, []byte(s.credential.SecretKey()))
	mac.Write([]byte(b.String()))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	headers.Set("Authorization", "KLOG "+s.credential.AccessKey()+":"+signature)
	return headers, nil
}

func canonicalHeaders(headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	canonical := make(map[string]string, len(headers))
	for k, v := range headers {
		lower := strings.ToLower(k)
		if !strings.HasPrefix(lower, "x-klog-") {
			continue
		}
		keys = append(keys, lower)
		canonical[lower] = strings.TrimSpace(v)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(canonical[k])
		b.WriteByte('\n')
	}
	return b.String()
}
