package raft

// Configuration is a snapshot of cluster membership: the set of member IDs
// and the identity of the local replica. It is persisted through the
// MetaStore whenever a configuration entry is applied.
type Configuration struct {
	// The IDs of all members of the cluster, including the local replica.
	Members []string

	// The ID of the local replica.
	Local string
}

// NewConfiguration creates a Configuration with the provided members and
// local identity.
func NewConfiguration(members []string, local string) *Configuration {
	return &Configuration{Members: members, Local: local}
}

// Contains checks whether the provided ID is a member of the cluster.
func (c *Configuration) Contains(id string) bool {
	for _, member := range c.Members {
		if member == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the configuration.
func (c *Configuration) Clone() *Configuration {
	members := make([]string, len(c.Members))
	copy(members, c.Members)
	return &Configuration{Members: members, Local: c.Local}
}
