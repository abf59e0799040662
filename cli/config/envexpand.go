// Package config loads tether.yaml, the defaults file for tether serve.
package config

import (
	"fmt"
	"os"
	"strings"
)

// ExpandEnv substitutes environment references in a tether.yaml document:
//
//	${VAR}           value of VAR, empty when unset
//	${VAR:-default}  value of VAR, default when unset or empty
//	${VAR:?message}  value of VAR, an error naming message when unset or empty
//	$$               a literal $
//
// Anything else, including an unterminated ${, is copied through.
func ExpandEnv(input string) (string, error) {
	return expand(input, os.LookupEnv)
}

func expand(input string, lookup func(string) (string, bool)) (string, error) {
	if !strings.Contains(input, "$") {
		return input, nil
	}

	var b strings.Builder
	b.Grow(len(input))
	line := 1
	for i := 0; i < len(input); {
		ch := input[i]
		switch {
		case ch == '\n':
			line++
		case ch == '$' && strings.HasPrefix(input[i:], "$$"):
			b.WriteByte('$')
			i += 2
			continue
		case ch == '$' && strings.HasPrefix(input[i:], "${"):
			end := strings.IndexByte(input[i:], '}')
			if end < 0 {
				break
			}
			ref := input[i+2 : i+end]
			value, ok, err := resolve(ref, lookup)
			if err != nil {
				return "", fmt.Errorf("line %d: %w", line, err)
			}
			if ok {
				b.WriteString(value)
				i += end + 1
				continue
			}
		}
		b.WriteByte(ch)
		i++
	}
	return b.String(), nil
}

// resolve evaluates the body of one ${...} reference. ok is false when ref
// is not a variable reference and must be copied verbatim.
func resolve(ref string, lookup func(string) (string, bool)) (value string, ok bool, err error) {
	name, op, arg := ref, "", ""
	if idx := strings.IndexByte(ref, ':'); idx >= 0 {
		name, op, arg = ref[:idx], ref[idx:min(idx+2, len(ref))], ref[min(idx+2, len(ref)):]
	}
	if !validEnvName(name) {
		return "", false, nil
	}

	value, _ = lookup(name)
	switch op {
	case "":
		return value, true, nil
	case ":-":
		if value == "" {
			value = arg
		}
		return value, true, nil
	case ":?":
		if value == "" {
			if arg == "" {
				arg = "required"
			}
			return "", false, fmt.Errorf("%s: %s", name, arg)
		}
		return value, true, nil
	default:
		return "", false, nil
	}
}

func validEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
