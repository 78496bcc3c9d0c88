package webhook

import (
	"encoding/json"
	"strings"

	"gorm.io/datatypes"
)

// eventIDFields lists, in priority order, the conventional JSON fields a
// provider payload uses to carry its own event identifier.
var eventIDFields = []string{"id", "event_id", "eventId"}

// extractEventID parses rawPayload into a JSON map and pulls a provider event
// id from the conventional fields; returns the parsed map as datatypes.JSON
// alongside the id and a best-effort event type string so callers persist
// both without re-parsing.
func extractEventID(rawPayload []byte) (eventID string, eventType string, parsed datatypes.JSON) {
	var m map[string]interface{}
	if err := json.Unmarshal(rawPayload, &m); err != nil {
		return "", "", datatypes.JSON(rawPayload)
	}
	for _, field := range eventIDFields {
		if v, ok := stringField(m, field); ok && v != "" {
			eventID = v
			break
		}
	}
	if t, ok := stringField(m, "type"); ok {
		eventType = t
	} else if t, ok := stringField(m, "event_type"); ok {
		eventType = t
	}
	compact, err := json.Marshal(m)
	if err != nil {
		compact = rawPayload
	}
	return eventID, eventType, datatypes.JSON(compact)
}

// transactionIDFields lists, in priority order, the conventional JSON fields
// used to carry the linked payment/refund transaction id, per §4.8 step 3.
var transactionIDFields = []string{"transactionId", "transaction_id", "paymentId", "payment_id", "id"}

// extractTransactionID searches parsed's conventional fields, falling back to
// metadata.transactionId, for the first non-empty match.
func extractTransactionID(parsed map[string]interface{}) string {
	for _, field := range transactionIDFields {
		if v, ok := stringField(parsed, field); ok && v != "" {
			return v
		}
	}
	if meta, ok := parsed["metadata"].(map[string]interface{}); ok {
		if v, ok := stringField(meta, "transactionId"); ok && v != "" {
			return v
		}
	}
	return ""
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// classifyEventType maps event_type to a target status by substring match on
// the lowercased, normalized event name, per §4.8 step 4.
func classifyEventType(eventType string) string {
	normalized := strings.ToLower(eventType)
	switch {
	case containsAny(normalized, "completed", "succeeded", "success"):
		return "Completed"
	case containsAny(normalized, "failed", "failure", "declined", "cancelled", "canceled"):
		return "Failed"
	case containsAny(normalized, "refunded"):
		return "Refunded"
	case containsAny(normalized, "pending", "processing"):
		return "Processing"
	default:
		return "Processing"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
