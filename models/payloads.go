package models

import (
	"encoding/json"
	"fmt"
)

// HeartbeatPayload is carried in the content of HEARTBEAT messages.
type HeartbeatPayload struct {
	BatteryLevel  int `json:"batteryLevel"`
	NeighborCount int `json:"neighborCount"`
}

// LocationPayload is carried in the content of LOCATION_UPDATE and SOS messages.
type LocationPayload struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// ReceiptPayload references the message a DELIVERY_RECEIPT or READ_RECEIPT acknowledges.
type ReceiptPayload struct {
	MessageID string `json:"messageId"`
}

// EncodeContent marshals a payload into a message content string.
func EncodeContent(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	return string(raw), nil
}

// DecodeHeartbeat parses HEARTBEAT content.
func DecodeHeartbeat(content string) (HeartbeatPayload, error) {
	var payload HeartbeatPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return HeartbeatPayload{}, fmt.Errorf("decode heartbeat content: %w", err)
	}
	return payload, nil
}

// DecodeLocation parses LOCATION_UPDATE content.
func DecodeLocation(content string) (LocationPayload, error) {
	var payload LocationPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return LocationPayload{}, fmt.Errorf("decode location content: %w", err)
	}
	return payload, nil
}

// DecodeReceipt parses receipt content.
func DecodeReceipt(content string) (ReceiptPayload, error) {
	var payload ReceiptPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return ReceiptPayload{}, fmt.Errorf("decode receipt content: %w", err)
	}
	if payload.MessageID == "" {
		return ReceiptPayload{}, ErrMissingID
	}
	return payload, nil
}
