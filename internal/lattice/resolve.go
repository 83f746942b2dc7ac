package lattice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrResolution    = errors.New("lattice: host resolution failed")
	ErrHostNotFound  = fmt.Errorf("%w: no host matched", ErrResolution)
	ErrHostAmbiguous = fmt.Errorf("%w: more than one host matched", ErrResolution)
	ErrInvalidLabel  = errors.New("lattice: invalid label")
)

const hostIDLength = 56

// IsHostID reports whether s already has the shape of a canonical host id:
// 56 characters, a leading 'N', upper-case base32 alphabet.
func IsHostID(s string) bool {
	if len(s) != hostIDLength || s[0] != 'N' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '2' && c <= '7') {
			return false
		}
	}
	return true
}

// ResolveHost maps a host hint to exactly one host id. A hint that is already a
// canonical id is returned without a lookup; otherwise hosts whose id equals the
// hint or whose friendly name contains it match.
func ResolveHost(ctx context.Context, lister HostLister, hint string) (HostID, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "", fmt.Errorf("%w: empty host hint", ErrHostNotFound)
	}
	if IsHostID(hint) {
		return HostID(hint), nil
	}
	hosts, err := lister.Hosts(ctx)
	if err != nil {
		return "", fmt.Errorf("lattice: list hosts: %w", err)
	}

	var matches []Host
	for _, h := range hosts {
		if string(h.ID) == hint {
			return h.ID, nil
		}
		if strings.Contains(h.FriendlyName, hint) {
			matches = append(matches, h)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %q", ErrHostNotFound, hint)
	case 1:
		return matches[0].ID, nil
	default:
		names := make([]string, 0, len(matches))
		for _, h := range matches {
			names = append(names, fmt.Sprintf("%s (%s)", h.FriendlyName, h.ID))
		}
		sort.Strings(names)
		return "", fmt.Errorf("%w: %q matches %s", ErrHostAmbiguous, hint, strings.Join(names, ", "))
	}
}

// ParseLabels converts "key=value" strings into a map. Later duplicates win.
func ParseLabels(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, item := range raw {
		key, value, ok := strings.Cut(item, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q (expected key=value)", ErrInvalidLabel, item)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

// SatisfiesConstraints reports whether labels carry every constraint pair.
func SatisfiesConstraints(labels, constraints map[string]string) bool {
	for k, v := range constraints {
		if got, ok := labels[k]; !ok || got != v {
			return false
		}
	}
	return true
}
