package manifests

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// ExpiresAfterLabel bounds the lifetime of the tag a manifest carrying it is pushed as, e.g. `2w` or `12h`.
const ExpiresAfterLabel = "quay.expires-after"

var expiresAfterRegexp = regexp.MustCompile(`^([0-9]+)([smhdw])$`)

var unitSeconds = map[string]int64{
	"s": 1,
	"m": 60,
	"h": 60 * 60,
	"d": 24 * 60 * 60,
	"w": 7 * 24 * 60 * 60,
}

func parseExpiresAfter(v string) (int64, error) {
	m := expiresAfterRegexp.FindStringSubmatch(v)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return n * unitSeconds[m[2]], nil
}

// labelMediaType returns the media type a label value is stored with.
func labelMediaType(v string) string {
	if len(v) > 0 && (v[0] == '{' || v[0] == '[') && json.Valid([]byte(v)) {
		return "application/json"
	}
	return "text/plain"
}
