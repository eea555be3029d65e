package beacon

import (
	"net/url"
	"sort"
	"strings"
)

// HeaderEncoding selects the wire format of the trace-correlation headers
// injected into first-party requests.
type HeaderEncoding string

const (
	// HeaderEncodingDatadog injects x-datadog-* headers.
	HeaderEncodingDatadog HeaderEncoding = "datadog"
	// HeaderEncodingTraceContext injects the W3C traceparent header.
	HeaderEncodingTraceContext HeaderEncoding = "tracecontext"
	// HeaderEncodingB3 injects the single-header b3 format.
	HeaderEncodingB3 HeaderEncoding = "b3"
	// HeaderEncodingB3Multi injects the multi-header X-B3-* format.
	HeaderEncodingB3Multi HeaderEncoding = "b3multi"
)

// HostTable maps first-party hosts to the header encodings requested for
// them. Tables contributed by independent handlers are merged by union.
// The zero value is an empty table.
type HostTable struct {
	hosts map[string]map[HeaderEncoding]struct{}
}

// NewHostTable builds a HostTable from a map of hosts to encodings. Hosts are
// normalized to lowercase. Hosts listed with no encodings default to
// HeaderEncodingDatadog and HeaderEncodingTraceContext.
func NewHostTable(hosts map[string][]HeaderEncoding) HostTable {
	t := HostTable{hosts: make(map[string]map[HeaderEncoding]struct{}, len(hosts))}
	for host, encodings := range hosts {
		host = strings.ToLower(host)
		set, ok := t.hosts[host]
		if !ok {
			set = make(map[HeaderEncoding]struct{})
			t.hosts[host] = set
		}
		if len(encodings) == 0 {
			set[HeaderEncodingDatadog] = struct{}{}
			set[HeaderEncodingTraceContext] = struct{}{}
			continue
		}
		for _, e := range encodings {
			set[e] = struct{}{}
		}
	}
	return t
}

// IsEmpty reports whether the table has no hosts.
func (t HostTable) IsEmpty() bool { return len(t.hosts) == 0 }

// Union returns a new table containing the hosts of both tables, with
// encoding sets merged per host. Neither input is modified.
func (t HostTable) Union(other HostTable) HostTable {
	if other.IsEmpty() {
		return t
	}
	if t.IsEmpty() {
		return other
	}
	merged := HostTable{hosts: make(map[string]map[HeaderEncoding]struct{}, len(t.hosts)+len(other.hosts))}
	for _, src := range []HostTable{t, other} {
		for host, set := range src.hosts {
			dst, ok := merged.hosts[host]
			if !ok {
				dst = make(map[HeaderEncoding]struct{}, len(set))
				merged.hosts[host] = dst
			}
			for e := range set {
				dst[e] = struct{}{}
			}
		}
	}
	return merged
}

// Match returns the header encodings applicable to the URL's host: the union
// of the encoding sets of every table entry the host matches exactly or as a
// subdomain. The result is sorted for determinism; an empty result means no
// injection. Match is a pure function of (table, URL).
func (t HostTable) Match(u *url.URL) []HeaderEncoding {
	if u == nil || len(t.hosts) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil
	}

	matched := make(map[HeaderEncoding]struct{})
	for candidate, set := range t.hosts {
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			for e := range set {
				matched[e] = struct{}{}
			}
		}
	}
	if len(matched) == 0 {
		return nil
	}

	out := make([]HeaderEncoding, 0, len(matched))
	for e := range matched {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsFirstParty reports whether the URL's host matches any table entry.
func (t HostTable) IsFirstParty(u *url.URL) bool {
	return len(t.Match(u)) > 0
}
