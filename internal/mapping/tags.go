package mapping

import (
	"strings"
	"unicode"
)

// parseTag splits `name,opt,key=value` into the storage key and its options
func parseTag(tag string) (string, map[string]string) {
	parts := strings.Split(tag, ",")
	return strings.TrimSpace(parts[0]), parseOptions(parts[1:])
}

func parseOptions(parts []string) map[string]string {
	opts := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if k, v, ok := strings.Cut(part, "="); ok {
			opts[strings.TrimSpace(k)] = strings.TrimSpace(v)
			continue
		}
		opts[part] = ""
	}
	return opts
}

// defaultKey derives a storage key from a Go field name: "Name" -> "name",
// "ReferenceOne" -> "referenceOne", "URLPath" -> "urlPath"
func defaultKey(name string) string {
	runes := []rune(name)
	n := 0
	for n < len(runes) && unicode.IsUpper(runes[n]) {
		n++
	}
	switch {
	case n == 0:
		return name
	case n == len(runes):
		return strings.ToLower(name)
	case n > 1:
		// the last upper rune of an acronym starts the next word
		n--
	}
	for i := 0; i < n; i++ {
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}

// toSnakeCase converts a type name to the default collection name
func toSnakeCase(s string) string {
	var result []rune
	runes := []rune(s)

	for i, r := range runes {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := runes[i-1]
			if prev >= 'a' && prev <= 'z' {
				result = append(result, '_')
			} else if i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z' {
				result = append(result, '_')
			}
		}
		if r >= 'A' && r <= 'Z' {
			result = append(result, r+('a'-'A'))
		} else {
			result = append(result, r)
		}
	}
	return string(result)
}
