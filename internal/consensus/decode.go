package consensus

import "encoding/json"

func unmarshal(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}
