package dpop

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/segmentio/ksuid"
)

// PrivateKey is a client-held DPoP key pair.
type PrivateKey struct {
	JwkPrivate jwk.Key
	JwkPublic  jwk.Key
	Thumbprint string
}

// NewPrivateKey creates a new ephemeral private key for DPoP proofs.
func NewPrivateKey() (*PrivateKey, error) {
	rawKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	key, err := jwk.FromRaw(rawKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWK: %w", err)
	}
	thumbprintBytes, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to compute thumbprint: %w", err)
	}
	thumbprint := base64.RawURLEncoding.EncodeToString(thumbprintBytes)

	publicKey, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to create public key: %w", err)
	}

	return &PrivateKey{JwkPrivate: key, JwkPublic: publicKey, Thumbprint: thumbprint}, nil
}

// Builder assembles a proof to be signed with a PrivateKey.
type Builder struct {
	proof *Proof
}

func NewBuilder() *Builder {
	return &Builder{proof: &Proof{}}
}

func (b *Builder) Id(id string) *Builder {
	b.proof.Id = id
	return b
}

func (b *Builder) HttpMethod(httpMethod string) *Builder {
	b.proof.HttpMethod = httpMethod
	return b
}

func (b *Builder) HttpURI(httpURI string) *Builder {
	b.proof.HttpURI = httpURI
	return b
}

func (b *Builder) HttpRequest(request *http.Request) *Builder {
	b.proof.HttpMethod = request.Method
	b.proof.HttpURI = request.URL.String()
	return b
}

func (b *Builder) AccessToken(accessToken string) *Builder {
	b.proof.AccessTokenHash = AccessTokenHash(accessToken)
	return b
}

func (b *Builder) Nonce(nonce string) *Builder {
	b.proof.Nonce = nonce
	return b
}

func (b *Builder) Build() (*Proof, error) {
	if b.proof.Id == "" {
		b.proof.Id = ksuid.New().String()
	}
	if b.proof.IssuedAt.IsZero() {
		b.proof.IssuedAt = time.Now()
	}
	if b.proof.HttpMethod == "" {
		return nil, fmt.Errorf("HTTP method (htm) is required")
	}
	if b.proof.HttpURI == "" {
		return nil, fmt.Errorf("HTTP URI (htu) is required")
	}
	return b.proof, nil
}

// Sign produces the compact serialized proof.
func (p *Proof) Sign(privateKey *PrivateKey) (string, error) {
	token := jwt.New()
	token.Set("jti", p.Id)
	token.Set("htm", p.HttpMethod)
	token.Set("htu", p.HttpURI)
	token.Set("iat", p.IssuedAt.Unix())
	if p.AccessTokenHash != "" {
		token.Set("ath", p.AccessTokenHash)
	}
	if p.Nonce != "" {
		token.Set("nonce", p.Nonce)
	}

	headers := jws.NewHeaders()
	headers.Set("typ", JwtType)
	headers.Set("jwk", privateKey.JwkPublic)

	bytes, err := jwt.Sign(
		token,
		jwt.WithKey(jwa.ES256, privateKey.JwkPrivate, jws.WithProtectedHeaders(headers)),
	)
	if err != nil {
		return "", fmt.Errorf("unable to sign token: %w", err)
	}
	return string(bytes), nil
}
