package connector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// DeviceStatus is the canonical record every heterogeneous device payload
// is mapped into before leaving the connector boundary.
type DeviceStatus struct {
	Online         bool   `json:"online"`
	BatteryPercent int    `json:"battery_percent"`
	Label          string `json:"label"`
}

// NormalizeDeviceList maps a raw device payload into canonical records.
// The top-level "devices" field must be a list; anything else is a
// BAD_RESPONSE, never silently coerced.
func NormalizeDeviceList(connectorID string, raw map[string]any) ([]DeviceStatus, error) {
	field, ok := raw["devices"]
	if !ok {
		return nil, NewError(KindBadResponse, connectorID, "missing devices field")
	}
	list, ok := field.([]any)
	if !ok {
		return nil, NewError(KindBadResponse, connectorID, fmt.Sprintf("devices is %T, expected list", field))
	}

	out := make([]DeviceStatus, 0, len(list))
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, NewError(KindBadResponse, connectorID, fmt.Sprintf("devices[%d] is %T, expected object", i, item))
		}
		out = append(out, DeviceStatus{
			Online:         asBool(entry["online"]),
			BatteryPercent: clampPercent(entry["battery"]),
			Label:          asString(entry["label"]),
		})
	}
	return out, nil
}

// ContentHash returns the sha256 fingerprint of the RFC 8785 canonical
// JSON form of v. Used for request/response audit correlation without
// storing raw payloads.
func ContentHash(v any) (string, error) {
	raw, err := marshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func marshalCanonical(v any) ([]byte, error) {
	// jcs.Transform expects JSON text; marshal first, then canonicalize.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// clampPercent accepts the numeric shapes JSON decoding produces and
// clamps into [0,100]. Missing or non-numeric values clamp to 0.
func clampPercent(v any) int {
	var pct float64
	switch n := v.(type) {
	case float64:
		pct = n
	case int:
		pct = float64(n)
	case int64:
		pct = float64(n)
	default:
		return 0
	}
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return int(pct)
}
