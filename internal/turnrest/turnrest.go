// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (the "TURN REST API" scheme, use-auth-secret in coturn):
//
//	username   = <unix expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingSecret  = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL     = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix  = errors.New("turnrest: username prefix must be non-empty and contain no ':'")
	ErrInvalidSubject = errors.New("turnrest: subject must be non-empty and contain no ':'")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now defaults to time.Now.
	Now func() time.Time
	// NewSubject supplies subjects for MintRandom. Defaults to a random UUID.
	NewSubject func() string
}

type Generator struct {
	secret     []byte
	ttlSeconds int64
	prefix     string
	now        func() time.Time
	newSubject func() string
}

// Credentials are handed to browsers as ICE server username/credential.
type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func New(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	ttl := int64(cfg.TTL / time.Second)
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrInvalidPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSubject == nil {
		cfg.NewSubject = uuid.NewString
	}
	return &Generator{
		secret:     []byte(cfg.SharedSecret),
		ttlSeconds: ttl,
		prefix:     cfg.UsernamePrefix,
		now:        cfg.Now,
		newSubject: cfg.NewSubject,
	}, nil
}

// Mint issues credentials bound to subject.
func (g *Generator) Mint(subject string) (Credentials, error) {
	if subject == "" || strings.Contains(subject, ":") {
		return Credentials{}, ErrInvalidSubject
	}
	expires := g.now().UTC().Unix() + g.ttlSeconds
	username := strconv.FormatInt(expires, 10) + ":" + g.prefix + ":" + subject
	return Credentials{
		Username:   username,
		Credential: Sign(g.secret, username),
		Expires:    time.Unix(expires, 0).UTC(),
	}, nil
}

// MintRandom issues credentials for a fresh random subject.
func (g *Generator) MintRandom() (Credentials, error) {
	return g.Mint(g.newSubject())
}

// Sign computes the coturn credential for username.
func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
