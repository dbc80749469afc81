package retailsync

import (
	"sort"
	"strings"
)

// SettingsCollection holds one settings document per store rather than a
// listing.
const SettingsCollection = "settings"

// DefaultSettingsKey is used when no active store is known.
const DefaultSettingsKey = "default"

// RoutingTable maps API path prefixes onto local collection names. Paths not
// present get no caching or offline queueing.
type RoutingTable map[string]string

// DefaultRoutes is the routing table of the POS API.
var DefaultRoutes = RoutingTable{
	"/products":          "products",
	"/categories":        "categories",
	"/customers":         "customers",
	"/sales":             "sales",
	"/inventory":         "inventory",
	"/suppliers":         "suppliers",
	"/purchase-orders":   "purchaseOrders",
	"/expenses":          "expenses",
	"/stores":            "stores",
	"/users":             "users",
	"/settings":          SettingsCollection,
	"/reports/dashboard": "dashboard",
}

// route is the result of matching a path against the table.
type route struct {
	collection string
	// entityID is the single segment below the matched prefix, if any.
	entityID string
	// nested is set for paths more than one segment below the prefix, such
	// as /customers/c1/sales. They belong to the collection for queueing but
	// their payloads are not records of it.
	nested bool
}

// cached reports whether the route reads and writes collection records.
func (r route) cached() bool {
	return r.collection != "" && !r.nested
}

// Resolve returns the collection for path, or "" if the path is unmapped.
func (t RoutingTable) Resolve(path string) string {
	return t.match(path).collection
}

func (t RoutingTable) match(path string) route {
	p := cleanPath(path)
	prefixes := make([]string, 0, len(t))
	for prefix := range t {
		prefixes = append(prefixes, prefix)
	}
	// Longest prefix wins.
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	for _, prefix := range prefixes {
		if p == prefix {
			return route{collection: t[prefix]}
		}
		if strings.HasPrefix(p, prefix+"/") {
			rest := strings.Trim(p[len(prefix):], "/")
			r := route{collection: t[prefix]}
			if strings.Contains(rest, "/") {
				r.nested = true
			} else {
				r.entityID = rest
			}
			return r
		}
	}
	return route{}
}

func cleanPath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = "/" + strings.Trim(path, "/")
	return path
}

// replaceSegment rewrites every path segment equal to from. The query string
// is left alone.
func replaceSegment(path, from, to string) string {
	rest := ""
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path, rest = path[:i], path[i:]
	}
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		if seg == from {
			segs[i] = to
		}
	}
	return strings.Join(segs, "/") + rest
}
