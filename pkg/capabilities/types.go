// Package capabilities defines the public definitions for convosync
// replication-grant UCAN capabilities.
package capabilities

// Capability ability constants
const (
	AbilityRead  = "object/read"
	AbilityWrite = "object/write"
)

// ReadWrite returns both grantable abilities.
func ReadWrite() []string {
	return []string{AbilityRead, AbilityWrite}
}

// GrantCaveats carries the object a grant applies to. The capability
// resource is the granting store's DID; the caveats narrow it to one
// stored object.
type GrantCaveats struct {
	// Object is the content address (CID string) of the granted object.
	Object string `json:"object"`

	// Type is the object's replication type tag (group, channel, ...).
	Type string `json:"type"`
}
