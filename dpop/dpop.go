// Package dpop implements https://www.rfc-editor.org/rfc/rfc9449.html
package dpop

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	HeaderName = "DPoP"
	JwtType    = "dpop+jwt"
)

// Algorithms accepted for proof signatures.
var allowedAlgs = map[jwa.SignatureAlgorithm]bool{
	jwa.ES256: true,
	jwa.ES384: true,
	jwa.RS256: true,
}

// Proof is a parsed and signature-verified DPoP proof.
type Proof struct {
	Id              string
	HttpMethod      string
	HttpURI         string
	IssuedAt        time.Time
	AccessTokenHash string
	Nonce           string
	Key             jwk.Key
	KeyThumbprint   string
}

// Parse verifies the compact proof with the key embedded in its header
// and extracts the claims. Callers still have to check htm/htu, age,
// nonce and replay.
func Parse(token string) (*Proof, error) {
	// DANGER, parsing the token without verifying the signature
	unsafeMessage, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, fmt.Errorf("unable to parse token: %w", err)
	}

	if len(unsafeMessage.Signatures()) == 0 {
		return nil, fmt.Errorf("no signatures found")
	}

	signature := unsafeMessage.Signatures()[0]
	protectedHeaders := signature.ProtectedHeaders()
	if protectedHeaders == nil {
		return nil, fmt.Errorf("no protected headers found")
	}

	if tokenType := protectedHeaders.Type(); tokenType != JwtType {
		return nil, fmt.Errorf("invalid token type: %s", tokenType)
	}

	alg := protectedHeaders.Algorithm()
	if !allowedAlgs[alg] {
		return nil, fmt.Errorf("unsupported alg: %s", alg)
	}

	proofKey := protectedHeaders.JWK()
	if proofKey == nil {
		return nil, fmt.Errorf("no JWK found in protected headers")
	}
	if _, ok := proofKey.(jwk.ECDSAPrivateKey); ok {
		return nil, fmt.Errorf("private key material in JWK header")
	}
	if _, ok := proofKey.(jwk.RSAPrivateKey); ok {
		return nil, fmt.Errorf("private key material in JWK header")
	}

	// parse and verify now using the key
	verifiedToken, err := jwt.Parse([]byte(token), jwt.WithKey(alg, proofKey))
	if err != nil {
		return nil, fmt.Errorf("unable to verify token: %w", err)
	}

	proof := &Proof{}

	if proof.Id = verifiedToken.JwtID(); proof.Id == "" {
		return nil, fmt.Errorf("claim jti is required")
	}

	htm, ok := verifiedToken.Get("htm")
	if !ok {
		return nil, fmt.Errorf("claim htm is required")
	}
	proof.HttpMethod, _ = htm.(string)

	htu, ok := verifiedToken.Get("htu")
	if !ok {
		return nil, fmt.Errorf("claim htu is required")
	}
	proof.HttpURI, _ = htu.(string)

	proof.IssuedAt = verifiedToken.IssuedAt()
	if proof.IssuedAt.IsZero() {
		return nil, fmt.Errorf("claim iat is required")
	}

	if ath, ok := verifiedToken.Get("ath"); ok {
		proof.AccessTokenHash, _ = ath.(string)
	}
	if nonce, ok := verifiedToken.Get("nonce"); ok {
		proof.Nonce, _ = nonce.(string)
	}

	proof.Key = proofKey
	thumbprintBytes, err := proofKey.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, err
	}
	proof.KeyThumbprint = base64.RawURLEncoding.EncodeToString(thumbprintBytes)

	return proof, nil
}

// AccessTokenHash computes the ath value for a token string.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
