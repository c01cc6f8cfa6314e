// Package redirects derives directory redirects for a published site and
// writes them to a CloudFront KeyValueStore.
package redirects

import (
	"sort"
	"strings"

	"github.com/micahrl/sitesync/internal/kvs"
)

// Collector gathers the directories of one published prefix.
type Collector struct {
	prefix string
	dirs   map[string]bool
}

// NewCollector returns a Collector for objects published under prefix.
func NewCollector(prefix string) *Collector {
	prefix = strings.Trim(prefix, "/")
	return &Collector{
		prefix: prefix,
		dirs:   map[string]bool{"/" + prefix: true},
	}
}

// AddObject records every directory between the prefix and key.
func (c *Collector) AddObject(key string) {
	c.addAncestors(strings.Trim(key, "/"), false)
}

// AddDirectory records key, an object key ending in "/", and its ancestors.
func (c *Collector) AddDirectory(key string) {
	c.addAncestors(strings.Trim(key, "/"), true)
}

func (c *Collector) addAncestors(key string, self bool) {
	if key != c.prefix && !strings.HasPrefix(key, c.prefix+"/") {
		return
	}
	if self {
		c.dirs["/"+key] = true
	}
	for {
		i := strings.LastIndexByte(key, '/')
		if i < len(c.prefix) {
			return
		}
		key = key[:i]
		c.dirs["/"+key] = true
	}
}

// Data returns one "/dir" -> "/dir/" entry per directory, sorted, scoped to
// the prefix.
func (c *Collector) Data() *kvs.Data {
	d := &kvs.Data{Scope: "/" + c.prefix}
	for dir := range c.dirs {
		d.Entries = append(d.Entries, kvs.Entry{Key: dir, Value: dir + "/"})
	}
	sort.Slice(d.Entries, func(i, j int) bool {
		return d.Entries[i].Key < d.Entries[j].Key
	})
	return d
}
