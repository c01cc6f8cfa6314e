package kvs

import "strings"

// Entry is a single key-value pair destined for CloudFront KVS.
type Entry struct {
	Key   string
	Value string
}

// Data holds the desired entries for one scope of a KVS.
type Data struct {
	// Scope limits the sync to keys equal to Scope or below Scope + "/".
	// Keys outside the scope are never deleted. Empty means the whole store.
	Scope   string
	Entries []Entry
}

// InScope reports whether key belongs to d's scope.
func (d *Data) InScope(key string) bool {
	if d.Scope == "" {
		return true
	}
	return key == d.Scope || strings.HasPrefix(key, d.Scope+"/")
}

// SyncPlan describes what operations are needed to bring KVS to desired state.
type SyncPlan struct {
	Puts    []Entry  // Keys to add or update
	Deletes []string // Keys to remove
}

// Empty reports whether the plan changes nothing.
func (p *SyncPlan) Empty() bool {
	return len(p.Puts) == 0 && len(p.Deletes) == 0
}
