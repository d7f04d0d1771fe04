package bus

import (
	"encoding/json"
)

// Reserved event names. The "$" prefix keeps them out of the application
// namespace; they never trigger proxy notifications.
const (
	eventReply            = "$reply"
	eventProxySubscribe   = "$proxy/subscribe"
	eventProxyUnsubscribe = "$proxy/unsubscribe"
	eventTabID            = "$tab-id"
)

// Envelope is the wire shape every peer speaks. Changing field names or
// semantics here breaks all peers at once; treat it as frozen.
type Envelope struct {
	Marker    bool            `json:"marker"`
	AppName   string          `json:"appName"`
	EventName string          `json:"eventName"`
	Args      json.RawMessage `json:"args,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Locus     string          `json:"locus,omitempty"`
	Target    string          `json:"target,omitempty"`
}

// check validates the envelope against the local bus identity. The reason
// string feeds the dropped-envelope metric.
func (e *Envelope) check(appName string) (ok bool, reason string) {
	if !e.Marker {
		return false, "no_marker"
	}
	if e.AppName != appName {
		return false, "app_mismatch"
	}
	if e.EventName == "" {
		return false, "no_event"
	}
	return true, ""
}

func isSystemEvent(event string) bool {
	return len(event) > 0 && event[0] == '$'
}
