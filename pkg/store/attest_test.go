package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/convosync/pkg/store"
	"github.com/relves/convosync/pkg/store/storetest"
	"github.com/relves/convosync/pkg/types"
)

func putSet(t *testing.T, client *store.BlockClient, members ...string) types.Ref {
	t.Helper()
	set := types.NewMembershipSet(members)
	data, err := set.Serialize()
	require.NoError(t, err)
	ref, err := client.Put(context.Background(), data, types.ObjectMembershipSet)
	require.NoError(t, err)
	return ref
}

func TestCertify_SelfSignedVerifies(t *testing.T) {
	client := storetest.NewClient(t, nil)
	ctx := context.Background()

	setRef := putSet(t, client, "did:key:zA", "did:key:zB")
	certRef, cert, err := client.Certify(ctx, types.Certificate{
		Kind:   types.CertMembership,
		Target: setRef,
	})
	require.NoError(t, err)
	assert.Equal(t, client.SelfIdentity().DID, cert.Signer)
	assert.NotEmpty(t, cert.Signature)

	ok, err := client.VerifyAttestation(ctx, certRef)
	require.NoError(t, err)
	assert.True(t, ok)

	signers, err := client.AttestedBy(ctx, setRef)
	require.NoError(t, err)
	assert.Equal(t, []string{client.SelfIdentity().DID}, signers)
}

func TestCertify_UnknownKindRejected(t *testing.T) {
	client := storetest.NewClient(t, nil)
	setRef := putSet(t, client, "did:key:zA")

	_, _, err := client.Certify(context.Background(), types.Certificate{
		Kind:   types.CertificateKind("license"),
		Target: setRef,
	})
	require.Error(t, err)
	var attErr *store.AttestationError
	require.ErrorAs(t, err, &attErr)
	assert.Equal(t, store.ErrCodeAttestationUnknownKind, attErr.Code)
}

func TestVerifyAttestation_UntrustedSigner(t *testing.T) {
	ctx := context.Background()
	issuer := storetest.NewClient(t, nil)
	receiver := storetest.NewClient(t, nil)

	// The set must resolve on the receiver too.
	set := types.NewMembershipSet([]string{"did:key:zA", receiver.SelfIdentity().DID})
	setData, err := set.Serialize()
	require.NoError(t, err)
	setRef, err := issuer.Put(ctx, setData, types.ObjectMembershipSet)
	require.NoError(t, err)
	_, err = receiver.Put(ctx, setData, types.ObjectMembershipSet)
	require.NoError(t, err)

	_, cert, err := issuer.Certify(ctx, types.Certificate{
		Kind:   types.CertMembership,
		Target: setRef,
	})
	require.NoError(t, err)
	certData, err := cert.Serialize()
	require.NoError(t, err)

	certRef, err := receiver.ImportCertificate(ctx, certData)
	require.NoError(t, err)

	// Issuer is not in the receiver's contact directory.
	ok, err := receiver.VerifyAttestation(ctx, certRef)
	require.NoError(t, err)
	assert.False(t, ok)

	// Adding the issuer as a contact makes the same certificate valid.
	receiver.AddContact(issuer.SelfIdentity())
	ok, err = receiver.VerifyAttestation(ctx, certRef)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyAttestation_TamperedSignature(t *testing.T) {
	client := storetest.NewClient(t, nil)
	ctx := context.Background()

	setRef := putSet(t, client, "did:key:zA")
	_, cert, err := client.Certify(ctx, types.Certificate{
		Kind:   types.CertMembership,
		Target: setRef,
	})
	require.NoError(t, err)

	cert.Signature[0] ^= 0xff
	data, err := cert.Serialize()
	require.NoError(t, err)
	certRef, err := client.ImportCertificate(ctx, data)
	require.NoError(t, err)

	ok, err := client.VerifyAttestation(ctx, certRef)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyAttestation_EmptyMembershipSet(t *testing.T) {
	client := storetest.NewClient(t, nil)
	ctx := context.Background()

	set := types.MembershipSet{}
	data, err := set.Serialize()
	require.NoError(t, err)
	setRef, err := client.Put(ctx, data, types.ObjectMembershipSet)
	require.NoError(t, err)

	certRef, _, err := client.Certify(ctx, types.Certificate{
		Kind:   types.CertMembership,
		Target: setRef,
	})
	require.NoError(t, err)

	// A certificate over an empty set never validates.
	ok, err := client.VerifyAttestation(ctx, certRef)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCertify_ChannelHead(t *testing.T) {
	client := storetest.NewClient(t, nil)
	ctx := context.Background()

	channelRef, err := client.Put(ctx, []byte(`{"id":"ch1"}`), types.ObjectChannel)
	require.NoError(t, err)

	certRef, cert, err := client.Certify(ctx, types.Certificate{
		Kind:     types.CertChannelHead,
		Target:   channelRef,
		TreeSize: 3,
		RootHash: []byte("checkpoint-root"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cert.TreeSize)

	ok, err := client.VerifyAttestation(ctx, certRef)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("missing root rejected", func(t *testing.T) {
		badRef, _, err := client.Certify(ctx, types.Certificate{
			Kind:     types.CertChannelHead,
			Target:   channelRef,
			TreeSize: 3,
		})
		require.NoError(t, err)

		ok, err := client.VerifyAttestation(ctx, badRef)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
