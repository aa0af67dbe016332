package events

import "strings"

// MatchPattern reports whether a dotted routing key matches a subscription
// pattern. "*" matches exactly one segment; "**" matches any remainder
// (zero or more segments).
func MatchPattern(pattern, key string) bool {
	if pattern == "" {
		return false
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pat, key []string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case "**":
			// "**" swallows any suffix. A pattern continuing past "**"
			// must match some tail of the key.
			rest := pat[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pat[0] != key[0] {
				return false
			}
		}
		pat = pat[1:]
		key = key[1:]
	}
	return len(key) == 0
}
