package mqtt

import "strings"

// Default topic patterns. {device_id} is replaced per device.
const (
	DefaultStateTopic   = "eeg/{device_id}/state"
	DefaultHealthTopic  = "eeg/{device_id}/health"
	DefaultRawTopic     = "eeg/{device_id}/raw"
	DefaultControlTopic = "eeg/{device_id}/control"
)

// formatTopic replaces {device_id} placeholder with actual device ID
func formatTopic(topicPattern, deviceID string) string {
	return strings.ReplaceAll(topicPattern, "{device_id}", deviceID)
}

// extractDeviceID extracts device ID from MQTT topic
// Example: "eeg/muse-01/raw" -> "muse-01"
func extractDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
