package store

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"

	"github.com/relves/convosync/pkg/types"
)

// ComputeRef computes the content address for the given data using
// SHA2-256. Record objects (JSON) are tagged dag-json; opaque blobs raw.
func ComputeRef(data []byte, typ types.ObjectType) (types.Ref, cid.Cid, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", cid.Undef, err
	}

	codec := uint64(multicodec.DagJson)
	if typ == types.ObjectBlob {
		codec = uint64(multicodec.Raw)
	}
	c := cid.NewCidV1(codec, hash)

	return types.Ref(c.String()), c, nil
}

// DecodeRef parses a ref back into a CID.
func DecodeRef(ref types.Ref) (cid.Cid, error) {
	return cid.Decode(ref.String())
}
