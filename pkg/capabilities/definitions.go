package capabilities

import (
	ipldprime "github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	ipldschema "github.com/ipld/go-ipld-prime/schema"
	"github.com/storacha/go-ucanto/core/ipld"
	"github.com/storacha/go-ucanto/core/schema"
	"github.com/storacha/go-ucanto/validator"
)

// ToIPLD converts GrantCaveats to an IPLD node
func (c GrantCaveats) ToIPLD() (ipld.Node, error) {
	np := basicnode.Prototype.Any
	nb := np.NewBuilder()
	ma, _ := nb.BeginMap(2)
	ma.AssembleKey().AssignString("object")
	ma.AssembleValue().AssignString(c.Object)
	ma.AssembleKey().AssignString("type")
	ma.AssembleValue().AssignString(c.Type)
	ma.Finish()
	return nb.Build(), nil
}

func grantCaveatsType() ipldschema.Type {
	ts, err := ipldprime.LoadSchemaBytes([]byte(`
		type GrantCaveats struct {
			object String
			type String
		}
	`))
	if err != nil {
		panic(err)
	}
	return ts.TypeByName("GrantCaveats")
}

// Capability parsers
var (
	// ObjectRead is the capability parser for object/read
	ObjectRead = validator.NewCapability(
		AbilityRead,
		schema.DIDString(),
		schema.Struct[GrantCaveats](grantCaveatsType(), nil),
		nil,
	)

	// ObjectWrite is the capability parser for object/write
	ObjectWrite = validator.NewCapability(
		AbilityWrite,
		schema.DIDString(),
		schema.Struct[GrantCaveats](grantCaveatsType(), nil),
		nil,
	)
)

// ParserFor returns the capability parser for an ability string.
func ParserFor(ability string) (validator.CapabilityParser[GrantCaveats], bool) {
	switch ability {
	case AbilityRead:
		return ObjectRead, true
	case AbilityWrite:
		return ObjectWrite, true
	}
	return nil, false
}
