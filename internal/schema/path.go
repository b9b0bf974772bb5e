package schema

import "regexp"

// pathToken matches either an object key (with optional leading dot) or a
// bracketed array index, so "items[0].content" tokenizes as
// "items", "[0]", ".content".
var pathToken = regexp.MustCompile(`\.?([^[.\]]+)|\[(\d+)\]`)

// ResolvePath walks a dot/bracket path through a decoded JSON value.
// Any missing key, non-object traversal, or out-of-range index resolves
// to nil rather than an error.
func ResolvePath(path string, obj interface{}) interface{} {
	if path == "" || obj == nil {
		return nil
	}

	current := obj
	for _, m := range pathToken.FindAllStringSubmatch(path, -1) {
		key, idx := m[1], m[2]

		if key != "" {
			dict, ok := current.(map[string]interface{})
			if !ok {
				return nil
			}
			next, ok := dict[key]
			if !ok {
				return nil
			}
			current = next
			continue
		}

		arr, ok := current.([]interface{})
		if !ok {
			return nil
		}
		i := atoiIndex(idx)
		if i < 0 || i >= len(arr) {
			return nil
		}
		current = arr[i]
	}

	return current
}

// atoiIndex converts a digits-only string; the regex guarantees the input.
func atoiIndex(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		n = n*10 + int(s[i]-'0')
		if n < 0 {
			return -1 // overflow
		}
	}
	return n
}
