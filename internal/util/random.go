package util

import (
	"math/rand/v2"
	"regexp"
	"strings"
)

const hostnameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var invalidHostname = regexp.MustCompile(`[^a-z0-9-]+`)

// Random returns n lowercase alphanumerics, valid in any DNS label.
func Random(n int) string {
	var sb strings.Builder
	sb.Grow(n)

	for range n {
		sb.WriteByte(hostnameAlphabet[rand.IntN(len(hostnameAlphabet))])
	}

	return sb.String()
}

// Hostname builds a unique RFC 1123 label "<prefix>-<name>-<random>".
func Hostname(prefix, name string) string {
	label := invalidHostname.ReplaceAllString(strings.ToLower(prefix+"-"+name), "-")
	label = strings.Trim(label, "-")

	suffix := Random(6)
	if limit := 63 - len(suffix) - 1; len(label) > limit {
		label = strings.TrimRight(label[:limit], "-")
	}

	return label + "-" + suffix
}
