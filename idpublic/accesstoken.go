package idpublic

import (
	"encoding/json"
	"maps"
	"sort"
	"strconv"
)

// AccessToken is the user info payload exactly as the identity service returned it.
type AccessToken map[string]any

// Clone returns a shallow copy that is never nil.
func (t AccessToken) Clone() AccessToken {
	ret := make(AccessToken, len(t))
	maps.Copy(ret, t)
	return ret
}

func (t AccessToken) IsEmpty() bool {
	return len(t) == 0
}

// String returns the value at key when it is a string.
func (t AccessToken) String(key string) (string, bool) {
	val, ok := t[key]
	if !ok {
		return "", false
	}

	s, ok := val.(string)
	return s, ok
}

// Int64 returns the value at key as an integer. Numbers may arrive as
// json.Number, float64 or a numeric string depending on how they were decoded.
func (t AccessToken) Int64(key string) (int64, bool) {
	val, ok := t[key]
	if !ok {
		return 0, false
	}

	switch v := val.(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Keys is used for logging without dumping values.
func (t AccessToken) Keys() []string {
	ret := make([]string, 0, len(t))
	for k := range t {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}
