package store

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/relves/convosync/internal/storage"
	"github.com/relves/convosync/pkg/types"
)

// AttestationError describes why a certificate failed verification. It
// is logged, never propagated as a pipeline failure: callers see a
// plain false.
type AttestationError struct {
	Code    string
	Message string
}

func (e *AttestationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAttestationError creates a new attestation error.
func NewAttestationError(code, message string) *AttestationError {
	return &AttestationError{Code: code, Message: message}
}

// Error codes for attestation verification
const (
	ErrCodeAttestationMalformed       = "ATTESTATION_MALFORMED"
	ErrCodeAttestationUnknownKind     = "ATTESTATION_UNKNOWN_KIND"
	ErrCodeAttestationUntrustedSigner = "ATTESTATION_UNTRUSTED_SIGNER"
	ErrCodeAttestationBadSignature    = "ATTESTATION_BAD_SIGNATURE"
	ErrCodeAttestationBadTarget       = "ATTESTATION_BAD_TARGET"
)

// kindVerifier applies the kind-specific rules for one certificate
// kind. Signature and signer-trust checks happen before dispatch; a
// verifier only checks what is particular to its kind.
type kindVerifier func(ctx context.Context, c *BlockClient, cert *types.Certificate) error

var kindVerifiers = map[types.CertificateKind]kindVerifier{
	types.CertMembership:  verifyMembershipCert,
	types.CertChannelHead: verifyChannelHeadCert,
}

// verifyMembershipCert requires the target to resolve to a non-empty
// membership set. An endorsement of an empty set is always a bug.
func verifyMembershipCert(ctx context.Context, c *BlockClient, cert *types.Certificate) error {
	data, err := c.Get(ctx, cert.Target)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return NewAttestationError(ErrCodeAttestationBadTarget,
				fmt.Sprintf("membership set %s not resolvable", cert.Target))
		}
		return err
	}
	var set types.MembershipSet
	if err := set.Deserialize(data); err != nil {
		return NewAttestationError(ErrCodeAttestationBadTarget,
			fmt.Sprintf("target %s is not a membership set: %v", cert.Target, err))
	}
	if len(set.Members) == 0 {
		return NewAttestationError(ErrCodeAttestationBadTarget,
			fmt.Sprintf("membership set %s is empty", cert.Target))
	}
	return nil
}

// verifyChannelHeadCert requires a checkpoint: a root hash and a size.
func verifyChannelHeadCert(ctx context.Context, c *BlockClient, cert *types.Certificate) error {
	if len(cert.RootHash) == 0 {
		return NewAttestationError(ErrCodeAttestationMalformed, "channel-head certificate missing root hash")
	}
	return nil
}

// Certify signs and stores a certificate endorsing cert.Target on
// behalf of the local principal, and indexes it by target.
func (c *BlockClient) Certify(ctx context.Context, cert types.Certificate) (types.Ref, *types.Certificate, error) {
	if !cert.Target.Defined() {
		return "", nil, fmt.Errorf("certificate target required")
	}
	if _, ok := kindVerifiers[cert.Kind]; !ok {
		return "", nil, NewAttestationError(ErrCodeAttestationUnknownKind,
			fmt.Sprintf("unknown certificate kind %q", cert.Kind))
	}

	cert.Signer = c.self.DID
	cert.IssuedAt = time.Now().UTC().Truncate(time.Second)
	cert.Signature = ed25519.Sign(c.priv, cert.SigningPayload())

	data, err := cert.Serialize()
	if err != nil {
		return "", nil, fmt.Errorf("failed to serialize certificate: %w", err)
	}
	ref, err := c.Put(ctx, data, types.ObjectCertificate)
	if err != nil {
		return "", nil, err
	}

	if err := c.state.AddAttestation(ctx, storage.AttestationRecord{
		CertRef:  ref.String(),
		Target:   cert.Target.String(),
		Signer:   cert.Signer,
		Kind:     string(cert.Kind),
		IssuedAt: cert.IssuedAt,
	}); err != nil {
		return "", nil, fmt.Errorf("failed to index certificate: %w", err)
	}

	c.logger.Debug("certificate issued", "ref", ref, "kind", cert.Kind, "target", cert.Target)
	return ref, &cert, nil
}

// ImportCertificate stores and indexes a certificate received from a
// peer. The record only has to be well-formed; trust and signature are
// evaluated when the certificate is used.
func (c *BlockClient) ImportCertificate(ctx context.Context, data []byte) (types.Ref, error) {
	var cert types.Certificate
	if err := cert.Deserialize(data); err != nil {
		return "", NewAttestationError(ErrCodeAttestationMalformed,
			fmt.Sprintf("failed to parse certificate: %v", err))
	}
	if !cert.Target.Defined() || cert.Signer == "" {
		return "", NewAttestationError(ErrCodeAttestationMalformed, "certificate missing target or signer")
	}

	ref, err := c.Put(ctx, data, types.ObjectCertificate)
	if err != nil {
		return "", err
	}
	if err := c.state.AddAttestation(ctx, storage.AttestationRecord{
		CertRef:  ref.String(),
		Target:   cert.Target.String(),
		Signer:   cert.Signer,
		Kind:     string(cert.Kind),
		IssuedAt: cert.IssuedAt,
	}); err != nil {
		return "", fmt.Errorf("failed to index certificate: %w", err)
	}
	return ref, nil
}

// VerifyAttestation checks a stored certificate: the signer must be
// self or a known contact, the signature must verify, and
// the kind-specific rules must hold. The mere presence of a certificate
// record is never sufficient.
func (c *BlockClient) VerifyAttestation(ctx context.Context, certRef types.Ref) (bool, error) {
	data, err := c.Get(ctx, certRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	var cert types.Certificate
	if err := cert.Deserialize(data); err != nil {
		c.logger.Warn("attestation rejected", "cert", certRef,
			"reason", NewAttestationError(ErrCodeAttestationMalformed, err.Error()))
		return false, nil
	}

	verify, ok := kindVerifiers[cert.Kind]
	if !ok {
		c.logger.Warn("attestation rejected", "cert", certRef,
			"reason", NewAttestationError(ErrCodeAttestationUnknownKind, string(cert.Kind)))
		return false, nil
	}

	signer, ok := c.trustedSigner(cert.Signer)
	if !ok {
		c.logger.Warn("attestation rejected", "cert", certRef,
			"reason", NewAttestationError(ErrCodeAttestationUntrustedSigner, cert.Signer))
		return false, nil
	}

	if !ed25519.Verify(signer.Verifier(), cert.SigningPayload(), cert.Signature) {
		c.logger.Warn("attestation rejected", "cert", certRef,
			"reason", NewAttestationError(ErrCodeAttestationBadSignature, cert.Signer))
		return false, nil
	}

	if err := verify(ctx, c, &cert); err != nil {
		var attErr *AttestationError
		if errors.As(err, &attErr) {
			c.logger.Warn("attestation rejected", "cert", certRef, "reason", attErr)
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// AttestedBy returns the signer DIDs of every certificate indexed for
// the target, verified or not.
func (c *BlockClient) AttestedBy(ctx context.Context, targetRef types.Ref) ([]string, error) {
	recs, err := c.state.GetAttestationsByTarget(ctx, targetRef.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load attestations for %s: %w", targetRef, err)
	}
	signers := make([]string, 0, len(recs))
	for _, rec := range recs {
		signers = append(signers, rec.Signer)
	}
	return signers, nil
}

// AttestationsFor returns the full indexed records for a target, for
// callers that need certificate refs rather than just signers.
func (c *BlockClient) AttestationsFor(ctx context.Context, targetRef types.Ref) ([]storage.AttestationRecord, error) {
	return c.state.GetAttestationsByTarget(ctx, targetRef.String())
}
