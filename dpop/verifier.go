package dpop

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/polaris-id/polaris/nonce"
	"github.com/polaris-id/polaris/oauth"
	"github.com/polaris-id/polaris/replay"
)

// Verifier checks DPoP proofs against a request: signature, htm/htu,
// age window, access token hash, server nonce and jti replay.
type Verifier struct {
	replay *replay.Manager
	nonces nonce.Service
	maxAge time.Duration
	skew   time.Duration
}

func NewVerifier(replayManager *replay.Manager, nonces nonce.Service) *Verifier {
	return &Verifier{
		replay: replayManager,
		nonces: nonces,
		maxAge: 5 * time.Minute,
		skew:   30 * time.Second,
	}
}

// NextNonce returns a fresh server nonce for the DPoP-Nonce header.
func (v *Verifier) NextNonce() (string, error) {
	return v.nonces.Get()
}

type CheckOptions struct {
	// RequireNonce makes a proof without a nonce fail with use_dpop_nonce
	// so the client retries with the issued one. A nonce that is present
	// but not recognized fails with use_dpop_nonce either way.
	RequireNonce bool
	// AccessToken, when set, must match the proof's ath claim.
	AccessToken string
}

// CheckProof validates the DPoP header of a request. A nil, nil return
// means the request carried no proof at all.
func (v *Verifier) CheckProof(ctx context.Context, r *http.Request, fullURL string, opts CheckOptions) (*Proof, *oauth.Error) {
	header := r.Header.Get(HeaderName)
	if header == "" {
		return nil, nil
	}

	proof, err := Parse(header)
	if err != nil {
		return nil, oauth.InvalidDpopProof(err.Error())
	}

	if proof.HttpMethod != r.Method {
		return nil, oauth.InvalidDpopProof("DPoP htm mismatch")
	}
	if !sameHtu(proof.HttpURI, fullURL) {
		return nil, oauth.InvalidDpopProof("DPoP htu mismatch")
	}

	now := time.Now()
	if proof.IssuedAt.After(now.Add(v.skew)) {
		return nil, oauth.InvalidDpopProof("DPoP iat is in the future")
	}
	if now.Sub(proof.IssuedAt) > v.maxAge {
		return nil, oauth.InvalidDpopProof("DPoP proof is too old")
	}

	if opts.AccessToken != "" {
		if proof.AccessTokenHash == "" {
			return nil, oauth.InvalidDpopProof("DPoP ath is required")
		}
		if !oauth.ConstantTimeEqual(proof.AccessTokenHash, AccessTokenHash(opts.AccessToken)) {
			return nil, oauth.InvalidDpopProof("DPoP ath mismatch")
		}
	}

	if proof.Nonce != "" {
		if err := v.nonces.Redeem(proof.Nonce); err != nil {
			return nil, oauth.NewError(http.StatusBadRequest, oauth.ErrorUseDpopNonce, "DPoP nonce is not recognized")
		}
	} else if opts.RequireNonce {
		return nil, oauth.NewError(http.StatusBadRequest, oauth.ErrorUseDpopNonce, "DPoP nonce is required")
	}

	ok, rerr := v.replay.UniqueDpop(ctx, proof.KeyThumbprint, proof.Id)
	if rerr != nil {
		return nil, oauth.ServerError(rerr.Error())
	}
	if !ok {
		return nil, oauth.InvalidDpopProof("DPoP proof was already used")
	}

	return proof, nil
}

// sameHtu compares request URLs ignoring query and fragment, per RFC 9449.
func sameHtu(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	ua.RawQuery, ua.Fragment = "", ""
	ub.RawQuery, ub.Fragment = "", ""
	return ua.String() == ub.String()
}
