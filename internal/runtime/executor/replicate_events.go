package executor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/router-for-me/ReplicateProxyAPI/internal/interfaces"
	"github.com/tidwall/gjson"
)

// invalidTextSentinels are payloads that stringify an empty or missing value.
var invalidTextSentinels = map[string]struct{}{
	"{}":        {},
	"[]":        {},
	"null":      {},
	"undefined": {},
}

// isValidText reports whether s may be surfaced as output. Sentinels are compared trimmed.
func isValidText(s string) bool {
	if s == "" {
		return false
	}
	_, sentinel := invalidTextSentinels[strings.TrimSpace(s)]
	return !sentinel
}

// ParseEvent maps one raw stream item onto the normalized event variant.
//
// Recognized shapes:
//   - a JSON string: Output when it is valid text
//   - {"event":"output","data":"..."}: Output when data is valid text
//   - {"event":"done"} or {"event":"completed"}: Done
//   - {"data":"..."} with no other field: Output when data is valid text
//
// Everything else, including malformed JSON, is Ignored.
func ParseEvent(raw []byte) interfaces.BackendEvent {
	ignored := interfaces.BackendEvent{Kind: interfaces.EventIgnored}
	if !gjson.ValidBytes(raw) {
		return ignored
	}
	res := gjson.ParseBytes(raw)

	switch {
	case res.Type == gjson.String:
		return textEvent(res.String())
	case res.IsObject():
		event := res.Get("event")
		data := res.Get("data")
		if event.Exists() {
			switch event.String() {
			case "output":
				if data.Type == gjson.String {
					return textEvent(data.String())
				}
				return ignored
			case "done", "completed":
				return interfaces.DoneEvent()
			default:
				return ignored
			}
		}
		if data.Type == gjson.String && objectFieldCount(res) == 1 {
			return textEvent(data.String())
		}
		return ignored
	default:
		return ignored
	}
}

func objectFieldCount(obj gjson.Result) int {
	n := 0
	obj.ForEach(func(_, _ gjson.Result) bool {
		n++
		return true
	})
	return n
}

func textEvent(text string) interfaces.BackendEvent {
	if !isValidText(text) {
		return interfaces.BackendEvent{Kind: interfaces.EventIgnored}
	}
	return interfaces.OutputEvent(text)
}

// OutputText converts a decoded prediction output to text. Arrays are joined with no
// separator and scalars are stringified.
func OutputText(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, "")
	case []any:
		var sb strings.Builder
		for _, item := range v {
			if item == nil {
				continue
			}
			sb.WriteString(OutputText(item))
		}
		return sb.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
