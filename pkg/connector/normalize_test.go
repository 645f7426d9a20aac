package connector_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/monsoonfirepottery-byte/monsoonfire-portal-sub005/pkg/connector"
)

func TestNormalizeDeviceList_MapsRawPayload(t *testing.T) {
	raw := map[string]any{
		"devices": []any{
			map[string]any{"online": true, "battery": 87.0, "label": "kiln-sensor-1"},
			map[string]any{"online": false, "battery": 12.0, "label": "kiln-sensor-2"},
		},
	}

	devices, err := connector.NormalizeDeviceList("fleet-api", raw)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, connector.DeviceStatus{Online: true, BatteryPercent: 87, Label: "kiln-sensor-1"}, devices[0])
	assert.Equal(t, connector.DeviceStatus{Online: false, BatteryPercent: 12, Label: "kiln-sensor-2"}, devices[1])
}

func TestNormalizeDeviceList_NonListDevicesIsBadResponse(t *testing.T) {
	raw := map[string]any{"devices": "kiln-sensor-1"}

	_, err := connector.NormalizeDeviceList("fleet-api", raw)
	require.Error(t, err)
	assert.Equal(t, connector.KindBadResponse, connector.KindOf(err))
}

func TestNormalizeDeviceList_MissingDevicesIsBadResponse(t *testing.T) {
	_, err := connector.NormalizeDeviceList("fleet-api", map[string]any{"count": 2.0})
	require.Error(t, err)
	assert.Equal(t, connector.KindBadResponse, connector.KindOf(err))
}

func TestNormalizeDeviceList_NonObjectEntryIsBadResponse(t *testing.T) {
	raw := map[string]any{"devices": []any{"kiln-sensor-1"}}

	_, err := connector.NormalizeDeviceList("fleet-api", raw)
	require.Error(t, err)
	assert.Equal(t, connector.KindBadResponse, connector.KindOf(err))
}

func TestNormalizeDeviceList_ClampsBatteryAndDefaultsMissingFields(t *testing.T) {
	raw := map[string]any{
		"devices": []any{
			map[string]any{"battery": 140.0},
			map[string]any{"battery": -5.0, "online": true},
			map[string]any{"label": "bare"},
		},
	}

	devices, err := connector.NormalizeDeviceList("fleet-api", raw)
	require.NoError(t, err)
	assert.Equal(t, 100, devices[0].BatteryPercent)
	assert.Equal(t, 0, devices[1].BatteryPercent)
	assert.True(t, devices[1].Online)
	assert.Equal(t, connector.DeviceStatus{Label: "bare"}, devices[2])
}

func TestContentHash_IndependentOfKeyOrder(t *testing.T) {
	a, err := connector.ContentHash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := connector.ContentHash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Contains(t, a, "sha256:")
}

func TestContentHash_DiffersForDifferentContent(t *testing.T) {
	a, err := connector.ContentHash(map[string]any{"a": 1})
	require.NoError(t, err)
	b, err := connector.ContentHash(map[string]any{"a": 2})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}
