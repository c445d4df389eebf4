package tgui

import "strings"

// Data formats inline callback data as "scope:action:payload". The payload
// part may itself contain colons; Parse only splits the first two.
func Data(scope, action, payload string) string {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	if payload == "" {
		return scope + ":" + action
	}
	return scope + ":" + action + ":" + payload
}

// Parse splits callback data produced by Data. Missing parts come back
// empty.
func Parse(data string) (scope, action, payload string) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	switch len(parts) {
	case 3:
		payload = parts[2]
		fallthrough
	case 2:
		action = parts[1]
		fallthrough
	case 1:
		scope = parts[0]
	}
	return scope, action, payload
}
