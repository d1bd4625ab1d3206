package realtime

import "strings"

// secretKeys are payload keys whose values never reach a log line.
var secretKeys = map[string]bool{
	"authorization": true,
	"api_key":       true,
	"apikey":        true,
	"client_secret": true,
	"secret":        true,
	"token":         true,
	"value":         true,
}

// Sanitize walks a decoded JSON structure and replaces secret-bearing
// values with a placeholder. Provider error bodies pass through here
// before they are logged.
func Sanitize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if secretKeys[strings.ToLower(key)] {
				if _, nested := val.(map[string]any); !nested {
					out[key] = "[redacted]"
					continue
				}
			}
			out[key] = Sanitize(val)
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, Sanitize(item))
		}
		return out
	default:
		return value
	}
}
