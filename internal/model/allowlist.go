package model

// Wildcard permits every user when present in an allow list.
const Wildcard = "*"

// Allowlist is the set of usernames permitted to have scripts executed
// on their behalf. An empty list denies everyone.
type Allowlist []string

// Allows reports whether name is permitted, either explicitly or via
// the wildcard entry.
func (a Allowlist) Allows(name string) bool {
	for _, u := range a {
		if u == Wildcard || u == name {
			return true
		}
	}
	return false
}
