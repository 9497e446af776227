package event

import (
	"encoding/json"
	"fmt"
)

// wire is the JSON body posted to subscribers. Payload integers wider than 2^53 are
// already decimal strings, so the bytes that get signed are the bytes that get sent.
type wire struct {
	Type        Type    `json:"type"`
	EventID     string  `json:"eventId"`
	Timestamp   int64   `json:"timestamp"`
	ChainID     string  `json:"chainId"`
	TxHash      string  `json:"txHash,omitempty"`
	BlockNumber string  `json:"blockNumber,omitempty"`
	Data        Payload `json:"data"`
}

// Encode serializes ev into the webhook body. The result is used both for the
// signature and as the request body.
func Encode(ev WebhookEvent) ([]byte, error) {
	w := wire{
		Type:      ev.Type,
		EventID:   ev.EventID,
		Timestamp: ev.Timestamp,
		ChainID:   Uint(ev.ChainID),
		TxHash:    ev.TxHash,
		Data:      ev.Data,
	}
	if ev.BlockNumber != 0 {
		w.BlockNumber = Uint(ev.BlockNumber)
	}
	body, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	return body, nil
}
