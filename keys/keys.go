// Package keys owns the issuer signing key: loading or generating the JWK,
// signing issuer JWTs and serving the public JWKS.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// LoadJwkFromPem reads an EC private key in PEM form.
func LoadJwkFromPem(path string) (jwk.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return jwk.ParseKey(data, jwk.WithPEM(true))
}

// GenerateJwk creates an ephemeral P-256 signing key.
func GenerateJwk() (jwk.Key, error) {
	rawKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return jwk.FromRaw(rawKey)
}

// Signer signs and verifies issuer JWTs with a single ES256 key.
type Signer struct {
	issuer string
	prk    jwk.Key
	puk    jwk.Key
	jwks   jwk.Set
	kid    string
}

func NewSigner(issuer string, prk jwk.Key) (*Signer, error) {
	thumb, err := prk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("compute thumbprint: %w", err)
	}
	kid := base64.RawURLEncoding.EncodeToString(thumb)
	if err := prk.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	puk, err := prk.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("get public key: %w", err)
	}
	jwks := jwk.NewSet()
	if err := jwks.AddKey(puk); err != nil {
		return nil, err
	}
	return &Signer{issuer: issuer, prk: prk, puk: puk, jwks: jwks, kid: kid}, nil
}

func (s *Signer) Issuer() string {
	return s.issuer
}

// PublicJWKS returns the key set served at the jwks_uri.
func (s *Signer) PublicJWKS() jwk.Set {
	return s.jwks
}

// AccessClaims are the claims of an issued access token.
type AccessClaims struct {
	Jti      string
	Sub      string
	Aud      string
	ClientID string
	Scope    string
	Jkt      string
	IssuedAt time.Time
	Expiry   time.Time
}

// SignAccessToken produces a compact ES256 JWS for the given claims.
func (s *Signer) SignAccessToken(claims AccessClaims) (string, error) {
	tok := jwt.New()
	tok.Set(jwt.IssuerKey, s.issuer)
	tok.Set(jwt.JwtIDKey, claims.Jti)
	tok.Set(jwt.SubjectKey, claims.Sub)
	if claims.Aud != "" {
		tok.Set(jwt.AudienceKey, claims.Aud)
	}
	tok.Set("client_id", claims.ClientID)
	if claims.Scope != "" {
		tok.Set("scope", claims.Scope)
	}
	tok.Set(jwt.IssuedAtKey, claims.IssuedAt.Unix())
	tok.Set(jwt.ExpirationKey, claims.Expiry.Unix())
	if claims.Jkt != "" {
		tok.Set("cnf", map[string]any{"jkt": claims.Jkt})
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.ES256, s.prk))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return string(signed), nil
}

// VerifyAccessToken checks signature, issuer and time claims with skew.
func (s *Signer) VerifyAccessToken(token string) (jwt.Token, error) {
	tok, err := jwt.Parse(
		[]byte(token),
		jwt.WithKey(jwa.ES256, s.puk),
		jwt.WithIssuer(s.issuer),
		jwt.WithAcceptableSkew(30*time.Second),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	return tok, nil
}
