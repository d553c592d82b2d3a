package signature

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Signer holds the private key material needed to produce an Envelope.
// Exactly one of Ed25519Key or ECDSAKey is set.
type Signer struct {
	Algorithm  Algorithm
	Ed25519Key ed25519.PrivateKey
	ECDSAKey   *ecdsa.PrivateKey

	// LeafCertificate is the DER-encoded certificate matching the private key.
	LeafCertificate []byte
	// Chain is the remainder of the certificate chain, leaf's issuer first.
	Chain [][]byte
}

// RevocationChecker reports whether a certificate has been revoked.
// Implementations should respect ctx's deadline.
type RevocationChecker func(ctx context.Context, cert *x509.Certificate) (revoked bool, err error)

// Verifier verifies signature envelopes against a trust store.
type Verifier struct {
	trust      *TrustStore
	revocation RevocationChecker
	now        func() time.Time
}

// NewVerifier creates a Verifier backed by the given trust store.
func NewVerifier(trust *TrustStore) *Verifier {
	return &Verifier{trust: trust, now: time.Now}
}

// WithRevocationChecker installs a revocation check used when requiredTrust is TrustFull.
func (v *Verifier) WithRevocationChecker(checker RevocationChecker) *Verifier {
	v.revocation = checker
	return v
}

func hashFor(algo Algorithm, payload []byte) ([]byte, error) {
	switch algo {
	case AlgorithmEd25519SHA512:
		sum := sha512.Sum512(payload)
		return sum[:], nil
	case AlgorithmECDSAP256SHA256:
		sum := sha256.Sum256(payload)
		return sum[:], nil
	default:
		return nil, ErrUnknownAlgo
	}
}

// Sign produces a detached signature envelope over payload.
func Sign(payload []byte, signer Signer) (*Envelope, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	digest, err := hashFor(signer.Algorithm, payload)
	if err != nil {
		return nil, err
	}

	var sig []byte
	switch signer.Algorithm {
	case AlgorithmEd25519SHA512:
		if len(signer.Ed25519Key) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("signature: ed25519 private key has invalid length")
		}
		sig = ed25519.Sign(signer.Ed25519Key, digest)
	case AlgorithmECDSAP256SHA256:
		if signer.ECDSAKey == nil {
			return nil, fmt.Errorf("signature: ecdsa private key is nil")
		}
		r, s, err := ecdsa.Sign(rand.Reader, signer.ECDSAKey, digest)
		if err != nil {
			return nil, fmt.Errorf("signature: ecdsa sign: %w", err)
		}
		sig, err = asn1.Marshal(ecdsaSignature{R: r, S: s})
		if err != nil {
			return nil, fmt.Errorf("signature: marshal ecdsa signature: %w", err)
		}
	default:
		return nil, ErrUnknownAlgo
	}

	chain := make([][]byte, 0, len(signer.Chain)+1)
	if len(signer.LeafCertificate) > 0 {
		chain = append(chain, signer.LeafCertificate)
	}
	chain = append(chain, signer.Chain...)

	return &Envelope{
		Algorithm:        signer.Algorithm,
		ContentHash:      fmt.Sprintf("%x", digest),
		SignerThumbprint: Fingerprint(signer.LeafCertificate),
		SignatureBytes:   sig,
		Timestamp:        time.Now().UTC(),
		CertificateChain: chain,
	}, nil
}

type ecdsaSignature struct {
	R, S *big.Int
}

// Verify checks an envelope against payload at the requested trust level.
func (v *Verifier) Verify(ctx context.Context, payload []byte, env *Envelope, requiredTrust TrustLevel) (VerificationOutcome, error) {
	if requiredTrust == TrustNone {
		return OutcomeValid, nil
	}
	if env.IsZero() {
		return OutcomeInvalidSignature, ErrNoSignature
	}

	digest, err := hashFor(env.Algorithm, payload)
	if err != nil {
		return OutcomeInvalidSignature, err
	}
	computedHash := fmt.Sprintf("%x", digest)
	if computedHash != env.ContentHash {
		return OutcomeHashMismatch, nil
	}

	leaf, err := env.LeafCertificate()
	if err != nil {
		return OutcomeUntrusted, err
	}

	if ok, err := verifySignatureBytes(env.Algorithm, leaf, digest, env.SignatureBytes); err != nil || !ok {
		return OutcomeInvalidSignature, err
	}

	if requiredTrust == TrustBasic {
		return OutcomeValid, nil
	}

	// TrustFull: chain must terminate in a registered root, and every
	// certificate in the chain (including the leaf) must be unexpired.
	chain, err := parseChain(env.CertificateChain)
	if err != nil {
		return OutcomeUntrusted, err
	}

	if _, err := v.trust.chainsToRoot(chain); err != nil {
		// A broken chain or an unregistered root is a verdict, not an error.
		return OutcomeUntrusted, nil
	}

	now := v.now()
	for _, cert := range chain {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return OutcomeExpired, nil
		}
	}

	if v.revocation != nil {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		revoked, err := v.revocation(rctx, leaf)
		cancel()
		if err != nil {
			// Revocation fetch failed or timed out: Full trust cannot
			// be granted without a definitive answer.
			return OutcomeUntrusted, nil
		}
		if revoked {
			return OutcomeRevoked, nil
		}
	}

	return OutcomeValid, nil
}

func verifySignatureBytes(algo Algorithm, leaf *x509.Certificate, digest, sig []byte) (bool, error) {
	switch algo {
	case AlgorithmEd25519SHA512:
		pub, ok := leaf.PublicKey.(ed25519.PublicKey)
		if !ok {
			return false, errors.New("signature: leaf certificate does not hold an ed25519 key")
		}
		return ed25519.Verify(pub, digest, sig), nil
	case AlgorithmECDSAP256SHA256:
		pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return false, errors.New("signature: leaf certificate does not hold an ecdsa key")
		}
		var parsed ecdsaSignature
		if _, err := asn1.Unmarshal(sig, &parsed); err != nil {
			return false, fmt.Errorf("signature: unmarshal ecdsa signature: %w", err)
		}
		return ecdsa.Verify(pub, digest, parsed.R, parsed.S), nil
	default:
		return false, ErrUnknownAlgo
	}
}

func parseChain(der [][]byte) ([]*x509.Certificate, error) {
	if len(der) == 0 {
		return nil, ErrEmptyChain
	}
	chain := make([]*x509.Certificate, 0, len(der))
	for _, raw := range der {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, errors.Join(ErrMalformedChain, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
