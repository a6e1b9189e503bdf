package tgui

import "strings"

// Data formats inline callback data as "scope:action:payload".
// Payload is kept as-is (no escaping).
func Data(scope, action, payload string) string {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	if payload == "" {
		return scope + ":" + action
	}
	return scope + ":" + action + ":" + payload
}

// ParseData splits callback data into its parts. ok is false when fewer than
// two parts are present.
func ParseData(data string) (scope, action, payload string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) < 2 {
		return "", "", "", false
	}
	if len(parts) == 3 {
		payload = parts[2]
	}
	return parts[0], parts[1], payload, true
}

// CheckData reports ErrCallbackDataTooLong for data Telegram would reject.
func CheckData(data string) error {
	if len(data) > MaxCallbackDataLen {
		return ErrCallbackDataTooLong
	}
	return nil
}
