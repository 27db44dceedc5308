package core

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Stringify renders a JSON-like value the way it would appear spliced
// into surrounding text. Strings pass through unquoted; everything else
// uses its JSON form.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// ByteSize reports the serialized size of a JSON-like value. Used by the
// cache to enforce its byte budget. Unserializable values count as zero.
func ByteSize(v interface{}) int64 {
	if v == nil {
		return 0
	}
	if s, ok := v.(string); ok {
		return int64(len(s))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(data))
}
