package snapshot

import (
	"strconv"
	"strings"
)

// The marketplace payload is untyped and field names have drifted over API
// revisions, so every logical field is extracted through an ordered alias
// list, first hit wins. Values may also arrive string-typed ("195", "y"),
// which the coercers below tolerate.

func stringField(m map[string]any, aliases ...string) (string, bool) {
	for _, a := range aliases {
		v, ok := m[a]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func floatField(m map[string]any, aliases ...string) (float64, bool) {
	for _, a := range aliases {
		v, ok := m[a]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func intField(m map[string]any, aliases ...string) (int, bool) {
	f, ok := floatField(m, aliases...)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func boolField(m map[string]any, aliases ...string) (bool, bool) {
	for _, a := range aliases {
		v, ok := m[a]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t, true
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "y", "yes", "true", "1":
				return true, true
			case "n", "no", "false", "0":
				return false, true
			}
		}
	}
	return false, false
}

// intListField handles both bare integer lists and lists of objects carrying
// the id under one of idAliases (e.g. [{"color_id":5},...]).
func intListField(m map[string]any, listAliases []string, idAliases ...string) []int {
	for _, a := range listAliases {
		raw, ok := m[a].([]any)
		if !ok {
			continue
		}
		out := make([]int, 0, len(raw))
		for _, el := range raw {
			switch t := el.(type) {
			case float64:
				out = append(out, int(t))
			case string:
				if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
					out = append(out, n)
				}
			case map[string]any:
				if id, ok := intField(t, idAliases...); ok {
					out = append(out, id)
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// normalizeImageURL rewrites protocol-relative urls (//host/img.png) to
// https. The marketplace emits these for legacy CDN entries.
func normalizeImageURL(u string) string {
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}
