package auth_providers

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/saiset-co/build-cache-node/types"
	"github.com/saiset-co/build-cache-node/utils"
)

const (
	SchemeBasic  = "basic"
	SchemeBearer = "bearer"
)

// ParseCredentials reads an Authorization header value. Anything malformed
// yields empty credentials.
func ParseCredentials(header []byte) types.Credentials {
	header = bytes.TrimSpace(header)

	space := bytes.IndexByte(header, ' ')
	if space <= 0 {
		return types.Credentials{}
	}

	scheme := strings.ToLower(utils.BytesToString(header[:space]))
	value := bytes.TrimSpace(header[space+1:])
	if len(value) == 0 {
		return types.Credentials{}
	}

	switch scheme {
	case SchemeBasic:
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(value)))
		n, err := base64.StdEncoding.Decode(decoded, value)
		if err != nil {
			return types.Credentials{}
		}
		username, secret, ok := strings.Cut(string(decoded[:n]), ":")
		if !ok {
			return types.Credentials{}
		}
		return types.Credentials{Scheme: SchemeBasic, Username: username, Secret: secret}
	case SchemeBearer, "token":
		return types.Credentials{Scheme: SchemeBearer, Token: string(value)}
	default:
		return types.Credentials{}
	}
}

type secretVerifier interface {
	verify(secret string) bool
}

type digestSecret [sha256.Size]byte

func newDigestSecret(secret string) digestSecret {
	return sha256.Sum256([]byte(secret))
}

// verify compares fixed-size digests so timing does not depend on secret length.
func (d digestSecret) verify(secret string) bool {
	candidate := sha256.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare(d[:], candidate[:]) == 1
}

type bcryptSecret []byte

func (h bcryptSecret) verify(secret string) bool {
	return bcrypt.CompareHashAndPassword(h, []byte(secret)) == nil
}

type BasicAuthProvider struct {
	users map[string]secretVerifier
	dummy secretVerifier
}

func NewBasicAuthProvider(users []types.UserConfig) (*BasicAuthProvider, error) {
	provider := &BasicAuthProvider{
		users: make(map[string]secretVerifier, len(users)),
		dummy: newDigestSecret("build-cache-node/unknown-user"),
	}

	for _, user := range users {
		if _, exists := provider.users[user.Username]; exists {
			return nil, types.Errorf(types.ErrInvalidParameter, "duplicate user %q", user.Username)
		}

		if user.PasswordHash != "" {
			hash := []byte(user.PasswordHash)
			if _, err := bcrypt.Cost(hash); err != nil {
				return nil, types.Errorf(types.ErrInvalidParameter, "password_hash for %q: %v", user.Username, err)
			}
			provider.users[user.Username] = bcryptSecret(hash)
			continue
		}

		provider.users[user.Username] = newDigestSecret(user.Password)
	}

	return provider, nil
}

func (p *BasicAuthProvider) Type() string {
	return SchemeBasic
}

func (p *BasicAuthProvider) Verify(creds types.Credentials) bool {
	if creds.Scheme != SchemeBasic {
		return false
	}

	verifier, known := p.users[creds.Username]
	if !known {
		p.dummy.verify(creds.Secret)
		return false
	}

	return verifier.verify(creds.Secret)
}

type TokenAuthProvider struct {
	tokens []digestSecret
}

func NewTokenAuthProvider(tokens ...string) *TokenAuthProvider {
	provider := &TokenAuthProvider{tokens: make([]digestSecret, 0, len(tokens))}
	for _, token := range tokens {
		provider.tokens = append(provider.tokens, newDigestSecret(token))
	}
	return provider
}

func (p *TokenAuthProvider) Type() string {
	return "token"
}

// Verify checks every configured token so the time taken does not reveal
// which one matched.
func (p *TokenAuthProvider) Verify(creds types.Credentials) bool {
	if creds.Scheme != SchemeBearer {
		return false
	}

	matched := false
	for _, token := range p.tokens {
		if token.verify(creds.Token) {
			matched = true
		}
	}
	return matched
}
