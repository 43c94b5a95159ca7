package relay

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Event kinds of the normalized stream. Upstream frames carrying any other
// tag, or none, are buffered and forwarded as metadata.
const (
	EventStart    = "start"
	EventToken    = "token"
	EventMetadata = "metadata"
	EventEnd      = "end"
	EventError    = "error"
)

// Event is one tagged frame of the normalized stream.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// decodeEvent turns one raw frame payload into a tagged event. A payload
// that is not valid JSON gets one repair attempt and is dropped when that
// fails, the stream itself never aborts over a bad frame.
func decodeEvent(payload string) (Event, bool) {
	if ev, ok := unmarshalEvent(payload); ok {
		return ev, true
	}

	repaired, ok := repairPayload(payload)
	if !ok {
		return Event{}, false
	}
	return unmarshalEvent(repaired)
}

func unmarshalEvent(payload string) (Event, bool) {
	data := []byte(payload)
	if !json.Valid(data) {
		return Event{}, false
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err == nil && ev.Event != "" {
		return ev, true
	}

	// A bare JSON string is a content chunk
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return Event{Event: EventToken, Data: data}, true
	}

	// Valid JSON of any other shape rides along as metadata
	return Event{Event: EventMetadata, Data: data}, true
}

var danglingComma = regexp.MustCompile(`,\s*([}\]])`)

// repairPayload patches the malformations chunk splitting actually produces:
// a dangling comma and an unterminated tail. Anything else stays broken and
// the caller drops it.
func repairPayload(payload string) (string, bool) {
	p := strings.TrimSpace(payload)
	if !strings.HasPrefix(p, "{") && !strings.HasPrefix(p, "[") {
		return "", false
	}

	p = danglingComma.ReplaceAllString(p, "$1")

	if strings.Count(p, `"`)%2 == 1 {
		p += `"`
	}
	for opens, closes := strings.Count(p, "{"), strings.Count(p, "}"); closes < opens; closes++ {
		p += "}"
	}
	for opens, closes := strings.Count(p, "["), strings.Count(p, "]"); closes < opens; closes++ {
		p += "]"
	}

	if !json.Valid([]byte(p)) {
		return "", false
	}
	return p, true
}
