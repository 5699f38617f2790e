package auth

// Capability is a server-wide permission that is not tied to a repository.
type Capability string

const (
	// CapabilityAdmin allows administering users, teams and every repository
	CapabilityAdmin Capability = "admin"

	// CapabilityCreate allows creating repositories outside the personal namespace
	CapabilityCreate Capability = "create"

	// CapabilityFork allows forking repositories into the personal namespace
	CapabilityFork Capability = "fork"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityAdmin, CapabilityCreate, CapabilityFork:
		return true
	}
	return false
}
