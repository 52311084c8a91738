package models

import jsoniter "github.com/json-iterator/go"

// FitStruct coerces a loosely-typed payload (usually a decoded websocket
// command body) into a concrete struct.
func FitStruct(src any, out any) {
	raw, _ := jsoniter.Marshal(src)
	_ = jsoniter.Unmarshal(raw, out)
}
