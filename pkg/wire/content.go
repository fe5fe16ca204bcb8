package wire

import "strings"

// FlattenContent reduces a Message.Content value (string or []ContentPart-shaped data) to a
// single text string for converters whose target vendor only supports plain text. List-valued
// content has its text parts concatenated with a single space; image_url parts are dropped
// (finish_reason is left unchanged). Vendors that do support image content use ContentParts
// instead and translate every part.
func FlattenContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var parts []string
		for _, raw := range v {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := m["type"].(string); t == "text" {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, " ")
	case []ContentPart:
		var parts []string
		for _, p := range v {
			if p.Type == "text" {
				parts = append(parts, p.Text)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// ContentParts normalises a Message.Content value into typed parts, preserving image_url
// entries for converters whose vendor accepts image content. A plain string becomes a single
// text part.
func ContentParts(content any) []ContentPart {
	switch v := content.(type) {
	case nil:
		return nil
	case string:
		return []ContentPart{{Type: "text", Text: v}}
	case []ContentPart:
		return v
	case []any:
		var parts []ContentPart
		for _, raw := range v {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch t, _ := m["type"].(string); t {
			case "text":
				if text, ok := m["text"].(string); ok {
					parts = append(parts, ContentPart{Type: "text", Text: text})
				}
			case "image_url":
				if img, ok := m["image_url"].(map[string]any); ok {
					if u, ok := img["url"].(string); ok && u != "" {
						parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ContentImage{URL: u}})
					}
				}
			}
		}
		return parts
	default:
		return nil
	}
}

// ParseDataURL splits a "data:<media-type>;base64,<data>" URL into its media type and base64
// payload. Returns ok=false for anything that is not a base64 data URL (e.g. an https URL).
func ParseDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", "", false
	}
	if mediaType == "" {
		mediaType = "text/plain"
	}
	return mediaType, payload, true
}

// finishReasonTable maps vendor-specific finish/stop reasons to the canonical set.
var finishReasonTable = map[string]string{
	"end_turn":      FinishStop,
	"stop_sequence": FinishStop,
	"stop":          FinishStop,
	"COMPLETE":      FinishStop,
	"max_tokens":    FinishLength,
	"length":        FinishLength,
	"tool_use":      FinishToolCalls,
	"tool_calls":    FinishToolCalls,
	"function_call": FinishToolCalls,
}

// NormalizeFinishReason maps a vendor finish/stop reason to the canonical set. Reasons
// absent from the table are preserved verbatim (the table is translation, not validation).
func NormalizeFinishReason(vendorReason string) string {
	if canonical, ok := finishReasonTable[vendorReason]; ok {
		return canonical
	}
	return vendorReason
}

// NormalizeStatus maps Xunfei-style integer status codes (2 == complete) to a canonical reason.
func NormalizeStatus(status int) string {
	if status == 2 {
		return FinishStop
	}
	return ""
}
