package resource

import (
	"strconv"
	"strings"
)

// QueryFilter is a parsed `rt=`/`if=`/`sz=`/`href=` filter from a
// /.well-known/core request's Uri-Query options (RFC 6690 §4.1).
type QueryFilter struct {
	Key   string
	Value string
}

// ParseQueryFilters turns raw "key=value" Uri-Query strings into filters,
// ignoring anything that doesn't parse as key=value.
func ParseQueryFilters(queries []string) []QueryFilter {
	var out []QueryFilter
	for _, q := range queries {
		idx := strings.IndexByte(q, '=')
		if idx < 0 {
			continue
		}
		out = append(out, QueryFilter{Key: q[:idx], Value: q[idx+1:]})
	}
	return out
}

// Matches reports whether value satisfies filter, honouring the "*" (any)
// and "prefix*" (prefix match) wildcard conventions (§4.5).
func (f QueryFilter) Matches(value string) bool {
	if f.Value == "*" {
		return true
	}
	if strings.HasSuffix(f.Value, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(f.Value, "*"))
	}
	return value == f.Value
}

// attributeValue returns the attribute named key for r ("rt", "if", "sz",
// "href"), or "" if not applicable.
func (r *Resource) attributeValue(key string) string {
	switch key {
	case "rt":
		return r.ResourceType
	case "if":
		return r.InterfaceDesc
	case "sz":
		sz := r.MaximumSizeEst
		if sz < 0 {
			sz = len(r.Payload)
		}
		return strconv.Itoa(sz)
	case "href":
		return r.Path
	default:
		return ""
	}
}

// MatchesFilters reports whether r satisfies every filter (AND semantics,
// RFC 6690 §4.1).
func (r *Resource) MatchesFilters(filters []QueryFilter) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range filters {
		if !f.Matches(r.attributeValue(f.Key)) {
			return false
		}
	}
	return true
}

// RenderLink renders this resource as a single CoRE Link Format entry
// (RFC 6690 §3), e.g. `</sensors/temp>;rt="temperature";if="sensor";sz=4;ct="0"`.
func (r *Resource) RenderLink() string {
	return "<" + r.Path + ">" + r.LinkFormatAttributes()
}

// RenderDiscovery renders the comma-joined CoRE Link Format document for
// every resource in resources, in the order given (callers sort by path
// before calling, per §4.5's "sorted lexicographically by path").
func RenderDiscovery(resources []*Resource) []byte {
	parts := make([]string, len(resources))
	for i, r := range resources {
		parts[i] = r.RenderLink()
	}
	return []byte(strings.Join(parts, ","))
}
