// Package signing wraps SigV4 canonical-request signing behind a small
// deterministic primitive. It performs no I/O; callers attach the returned
// headers to whatever transport they use.
package signing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// ErrMissingCredentials is returned when the access key or secret is absent.
// Signing cannot proceed without both; detection happens at construction so
// misconfiguration fails before any request is attempted.
var ErrMissingCredentials = errors.New("signing: access key id and secret access key are required")

// Credentials are the static AWS credentials used for signing. SessionToken
// is optional; when present the X-Amz-Security-Token header is emitted.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Request describes one HTTP request to sign.
type Request struct {
	Host    string
	Path    string
	Method  string
	Headers http.Header
	Body    []byte
	Service string
	Region  string
}

// Signer produces SigV4 signatures. The clock is injectable so output is
// reproducible under test.
type Signer struct {
	creds Credentials
	now   func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock replaces the signing clock.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// New validates the credentials and returns a Signer.
func New(creds Credentials, opts ...Option) (*Signer, error) {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, ErrMissingCredentials
	}
	s := &Signer{creds: creds, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign computes the SigV4 headers for req and returns the complete header
// set: the caller's headers plus Authorization, X-Amz-Date,
// X-Amz-Content-Sha256, and X-Amz-Security-Token when a session token is
// configured. req is not mutated.
func (s *Signer) Sign(ctx context.Context, req Request) (http.Header, error) {
	if req.Host == "" {
		return nil, fmt.Errorf("signing: host is required")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	path := req.Path
	if path == "" {
		path = "/"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, "https://"+req.Host+path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("signing: build request: %w", err)
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Host = req.Host

	if err := s.SignHTTP(ctx, httpReq, req.Body, req.Service, req.Region); err != nil {
		return nil, err
	}
	return httpReq.Header, nil
}

// SignHTTP signs r in place. The body must be the exact bytes the transport
// will send; the payload hash is bound into the signature.
func (s *Signer) SignHTTP(ctx context.Context, r *http.Request, body []byte, service, region string) error {
	if service == "" || region == "" {
		return fmt.Errorf("signing: service and region are required")
	}
	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	r.Header.Set("X-Amz-Content-Sha256", payloadHash)

	creds := aws.Credentials{
		AccessKeyID:     s.creds.AccessKeyID,
		SecretAccessKey: s.creds.SecretAccessKey,
		SessionToken:    s.creds.SessionToken,
	}
	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, creds, r, payloadHash, service, region, s.now().UTC()); err != nil {
		return fmt.Errorf("signing: %w", err)
	}
	return nil
}
