package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hsdfat/go-klog/klogerr"
)

func TestStaticCredential(t *testing.T) {
	c, err := NewStaticCredential(" ak ", "sk\n")
	if err != nil {
		t.Fatalf("NewStaticCredential: %v", err)
	}
	if c.AccessKey() != "ak" || c.SecretKey() != "sk" {
		t.Errorf("keys = %q/%q, want ak/sk", c.AccessKey(), c.SecretKey())
	}

	for _, pair := range [][2]string{{"", ""}, {"ak", ""}, {"", "sk"}, {"  ", "sk"}} {
		if _, err := NewStaticCredential(pair[0], pair[1]); !errors.Is(err, klogerr.ErrConfig) {
			t.Errorf("NewStaticCredential(%q, %q) = %v, want ErrConfig", pair[0], pair[1], err)
		}
	}
	if err := Validate(nil); !errors.Is(err, klogerr.ErrConfig) {
		t.Errorf("Validate(nil) = %v, want ErrConfig", err)
	}
}

func TestHMACSigner(t *testing.T) {
	c, _ := NewStaticCredential("ak", "sk")
	s := NewHMACSigner(c)
	s.now = func() time.Time { return time.Date(2021, 9, 21, 9, 15, 11, 0, time.UTC) }

	req := &Request{
		Method:      "POST",
		Path:        "/PutLogs",
		Query:       "ProjectName=p&LogPoolName=l",
		Body:        []byte("body"),
		ContentType: "application/x-protobuf",
		Headers: map[string]string{
			"X-Klog-Signature-Method": SignatureMethod,
			"X-Klog-Api-Version":      "0.2_go0.1",
		},
	}
	headers, err := s.Sign(req)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if got := headers.Get("Date"); got != "Tue, 21 Sep 2021 09:15:11 GMT" {
		t.Errorf("Date = %q", got)
	}
	if got := headers.Get("Content-MD5"); got != "841A2D689AD86BD1611447453C22C6FC" {
		t.Errorf("Content-MD5 = %q", got)
	}
	if got := headers.Get("X-Klog-Api-Version"); got != "0.2_go0.1" {
		t.Errorf("X-Klog-Api-Version = %q", got)
	}

	toSign := "POST\n841A2D689AD86BD1611447453C22C6FC\napplication/x-protobuf\nTue, 21 Sep 2021 09:15:11 GMT\n" +
		"x-klog-api-version:0.2_go0.1\nx-klog-signature-method:hmac-sha1\n/PutLogs?ProjectName=p&LogPoolName=l"
	mac := hmac.New(sha1.New, []byte("sk"))
	mac.Write([]byte(toSign))
	want := "KLOG ak:" + base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if got := headers.Get("Authorization"); got != want {
		t.Errorf("Authorization = %q, want %q", got, want)
	}

	again, _ := s.Sign(req)
	if again.Get("Authorization") != headers.Get("Authorization") {
		t.Error("signature is not deterministic for a fixed clock")
	}

	req.Body = []byte("other")
	changed, _ := s.Sign(req)
	if changed.Get("Authorization") == headers.Get("Authorization") {
		t.Error("signature does not cover the body")
	}
}

type rotatingCredential struct{ secret string }

func (r *rotatingCredential) AccessKey() string { return "ak" }
func (r *rotatingCredential) SecretKey() string { return r.secret }

func TestSignRejectsEmptyCredential(t *testing.T) {
	cred := &rotatingCredential{secret: "sk"}
	s := NewHMACSigner(cred)
	if _, err := s.Sign(&Request{Method: "POST", Path: "/PutLogs"}); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	cred.secret = ""
	_, err := s.Sign(&Request{Method: "POST", Path: "/PutLogs"})
	if err == nil || !strings.Contains(err.Error(), "secret key") {
		t.Errorf("Sign = %v, want secret key error", err)
	}
}
