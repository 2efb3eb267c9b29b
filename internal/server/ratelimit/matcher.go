package ratelimit

import "strings"

// Match returns the first rule whose method and pattern match the request,
// or nil. Exact patterns are tried before prefix patterns.
func Match(path, method string, rules []Rule) *Rule {
	for i := range rules {
		r := &rules[i]
		if r.Method == method && !strings.HasSuffix(r.Pattern, "/") && matchSegments(r.Pattern, path) {
			return r
		}
	}
	for i := range rules {
		r := &rules[i]
		if r.Method == method && strings.HasSuffix(r.Pattern, "/") && strings.HasPrefix(path, r.Pattern) {
			return r
		}
	}
	return nil
}

func matchSegments(pattern, path string) bool {
	want := strings.Split(strings.Trim(pattern, "/"), "/")
	got := strings.Split(strings.Trim(path, "/"), "/")
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != "*" && want[i] != got[i] {
			return false
		}
	}
	return true
}
