package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/storacha/go-ucanto/core/delegation"
	"github.com/storacha/go-ucanto/did"
	"github.com/storacha/go-ucanto/ucan"
	"github.com/storacha/go-ucanto/validator"

	"github.com/relves/convosync/internal/storage"
	"github.com/relves/convosync/pkg/capabilities"
	"github.com/relves/convosync/pkg/types"
)

// GrantError represents an error with grant validation.
type GrantError struct {
	Code    string
	Message string
}

func (e *GrantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewGrantError creates a new grant error.
func NewGrantError(code, message string) *GrantError {
	return &GrantError{Code: code, Message: message}
}

// Error codes for grant validation
const (
	ErrCodeGrantExpired           = "GRANT_EXPIRED"
	ErrCodeGrantWrongAudience     = "GRANT_WRONG_AUDIENCE"
	ErrCodeGrantMissingCapability = "GRANT_MISSING_CAPABILITY"
	ErrCodeGrantWrongResource     = "GRANT_WRONG_RESOURCE"
	ErrCodeGrantWrongObject       = "GRANT_WRONG_OBJECT"
	ErrCodeGrantUnknownAbility    = "GRANT_UNKNOWN_ABILITY"
	ErrCodeGrantParseError        = "GRANT_PARSE_ERROR"
)

// DefaultGrantTTL bounds issued grant delegations. Grants are additive
// and never retracted by this subsystem, so the window is generous;
// revocation is a higher-level policy decision.
const DefaultGrantTTL = 10 * 365 * 24 * time.Hour

// CreateAccessGrant issues one delegation per principal × ability and
// archives each in the state store. Issuing the same grant twice is a
// no-op at the archive level.
func (c *BlockClient) CreateAccessGrant(ctx context.Context, ref types.Ref, typ types.ObjectType, principals []string, abilities []string) error {
	if len(abilities) == 0 {
		abilities = []string{capabilities.AbilityRead}
	}

	var errs []error
	for _, principal := range principals {
		for _, ability := range abilities {
			dlg, err := c.issueGrant(principal, ability, ref, typ)
			if err != nil {
				errs = append(errs, fmt.Errorf("grant %s on %s to %s: %w", ability, ref, principal, err))
				continue
			}
			archive, err := delegation.Format(dlg)
			if err != nil {
				errs = append(errs, fmt.Errorf("format grant for %s: %w", principal, err))
				continue
			}
			rec := storage.GrantRecord{
				ObjectRef: ref.String(),
				Audience:  principal,
				Ability:   ability,
				Archive:   archive,
				GrantedAt: time.Now(),
			}
			if err := c.state.AddGrant(ctx, rec); err != nil {
				errs = append(errs, fmt.Errorf("archive grant for %s: %w", principal, err))
				continue
			}
			c.logger.Debug("access grant issued", "object", ref, "type", typ, "audience", principal, "ability", ability)
		}
	}
	return errors.Join(errs...)
}

// issueGrant creates the UCAN delegation backing one grant through the
// ability's capability parser. The capability resource is this store's
// DID; the caveats pin the object.
func (c *BlockClient) issueGrant(audienceDID string, ability string, ref types.Ref, typ types.ObjectType) (delegation.Delegation, error) {
	parser, ok := capabilities.ParserFor(ability)
	if !ok {
		return nil, NewGrantError(ErrCodeGrantUnknownAbility,
			fmt.Sprintf("no capability defined for ability %q", ability))
	}

	audience, err := did.Parse(audienceDID)
	if err != nil {
		return nil, NewGrantError(ErrCodeGrantParseError,
			fmt.Sprintf("failed to parse audience DID %s: %v", audienceDID, err))
	}

	exp := ucan.UTCUnixTimestamp(time.Now().Add(DefaultGrantTTL).Unix())
	dlg, err := parser.Delegate(
		c.signer,
		audience,
		ucan.Resource(c.self.DID),
		capabilities.GrantCaveats{
			Object: ref.String(),
			Type:   string(typ),
		},
		delegation.WithExpiration(int(exp)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant delegation: %w", err)
	}
	return dlg, nil
}

// ValidateGrant checks that a delegation actually grants the ability on
// the object to the expected principal: right audience, unexpired, and
// a capability that parses against the ability's definition with the
// issuing store as resource and the object pinned in the caveats.
func ValidateGrant(dlg delegation.Delegation, granteeDID string, storeDID string, ability string, ref types.Ref) error {
	parser, ok := capabilities.ParserFor(ability)
	if !ok {
		return NewGrantError(ErrCodeGrantUnknownAbility,
			fmt.Sprintf("no capability defined for ability %q", ability))
	}

	audience := dlg.Audience().DID().String()
	if audience != granteeDID {
		return NewGrantError(ErrCodeGrantWrongAudience,
			fmt.Sprintf("grant audience is %s, expected %s", audience, granteeDID))
	}

	exp := dlg.Expiration()
	if exp != nil {
		expTime := time.Unix(int64(*exp), 0)
		if time.Now().After(expTime) {
			return NewGrantError(ErrCodeGrantExpired,
				fmt.Sprintf("grant expired at %s", expTime))
		}
	}

	var lastErr error
	for _, cap := range dlg.Capabilities() {
		match, invalidCap := parser.Match(validator.NewSource(cap, dlg))
		if invalidCap != nil {
			lastErr = NewGrantError(ErrCodeGrantMissingCapability, invalidCap.Error())
			continue
		}
		parsed := match.Value()
		if string(parsed.With()) != storeDID {
			return NewGrantError(ErrCodeGrantWrongResource,
				fmt.Sprintf("capability %s has resource %s, expected %s", ability, parsed.With(), storeDID))
		}
		if parsed.Nb().Object != ref.String() {
			return NewGrantError(ErrCodeGrantWrongObject,
				fmt.Sprintf("capability %s covers object %s, expected %s", ability, parsed.Nb().Object, ref))
		}
		return nil
	}

	if lastErr != nil {
		return lastErr
	}
	return NewGrantError(ErrCodeGrantMissingCapability,
		fmt.Sprintf("grant missing required capability: %s", ability))
}

// HasGrant reports whether the principal holds a valid archived grant
// for the ability on the object. Malformed or expired archives are
// skipped, not fatal.
func (c *BlockClient) HasGrant(ctx context.Context, ref types.Ref, principal string, ability string) (bool, error) {
	recs, err := c.state.GetGrants(ctx, ref.String())
	if err != nil {
		return false, fmt.Errorf("failed to load grants for %s: %w", ref, err)
	}

	for _, rec := range recs {
		if rec.Audience != principal || rec.Ability != ability {
			continue
		}
		dlg, err := delegation.Parse(rec.Archive)
		if err != nil {
			c.logger.Warn("skipping unparseable grant archive", "object", ref, "audience", principal, "error", err)
			continue
		}
		if err := ValidateGrant(dlg, principal, c.self.DID, ability, ref); err != nil {
			c.logger.Warn("skipping invalid grant", "object", ref, "audience", principal, "error", err)
			continue
		}
		return true, nil
	}
	return false, nil
}
