package rbac

import "strings"

// Matches reports whether a granted capability covers a required one.
//
// Rules:
//   - "*" covers everything.
//   - An exact string match covers.
//   - A grant ending in ".*" covers any capability nested under its
//     prefix: "chat.*" covers "chat.completions" and
//     "chat.completions.stream" but not "chat" itself and not
//     "chatter.send".
func Matches(granted, required string) bool {
	if granted == "*" {
		return true
	}
	if granted == required {
		return true
	}
	if prefix, ok := strings.CutSuffix(granted, ".*"); ok {
		return strings.HasPrefix(required, prefix+".")
	}
	return false
}

// Allowed reports whether any capability in the set covers the
// required capability. An empty set denies everything.
func Allowed(capabilities []string, required string) bool {
	for _, granted := range capabilities {
		if Matches(granted, required) {
			return true
		}
	}
	return false
}
