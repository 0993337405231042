package chat

import (
	"encoding/hex"
	"net/http"
)

// Endpoint describes one REST call. Build a new value per call.
type Endpoint struct {
	Method string
	Path   string
	Query  map[string]string
	Body   any
}

// ============================================================================
// Devices endpoints
// ============================================================================

type addDeviceBody struct {
	UserID       string `json:"user_id"`
	ID           string `json:"id"`
	PushProvider string `json:"push_provider"`
}

func devicesEndpoint() Endpoint {
	return Endpoint{Method: http.MethodGet, Path: "/devices"}
}

func addDeviceEndpoint(userID, deviceID string) Endpoint {
	return Endpoint{
		Method: http.MethodPost,
		Path:   "/devices",
		Body: addDeviceBody{
			UserID:       userID,
			ID:           deviceID,
			PushProvider: PushProviderAPN,
		},
	}
}

// deviceTokenID is the hexadecimal form of a binary push token, which the
// backend uses as the device id.
func deviceTokenID(token []byte) string {
	return hex.EncodeToString(token)
}

func removeDeviceEndpoint(deviceID string) Endpoint {
	return Endpoint{
		Method: http.MethodDelete,
		Path:   "/devices",
		Query:  map[string]string{"id": deviceID},
	}
}

// ============================================================================
// Moderation endpoints
// ============================================================================

type flagBody struct {
	TargetMessageID string `json:"target_message_id,omitempty"`
	TargetUserID    string `json:"target_user_id,omitempty"`
}

func flagMessageEndpoint(messageID string, flag bool) Endpoint {
	return Endpoint{
		Method: http.MethodPost,
		Path:   moderationPath(flag),
		Body:   flagBody{TargetMessageID: messageID},
	}
}

func flagUserEndpoint(userID string, flag bool) Endpoint {
	return Endpoint{
		Method: http.MethodPost,
		Path:   moderationPath(flag),
		Body:   flagBody{TargetUserID: userID},
	}
}

func moderationPath(flag bool) string {
	if flag {
		return "/moderation/flag"
	}
	return "/moderation/unflag"
}
