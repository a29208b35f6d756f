package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/unwatermark/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeRemoveWatermark = "watermark:remove"

type RemoveWatermarkPayload struct {
	RemovalID   string               `json:"removal_id"`
	UserID      string               `json:"user_id,omitempty"`
	SourceType  string               `json:"source_type"`
	SourceURL   string               `json:"source_url,omitempty"`
	ObjectKey   string               `json:"object_key,omitempty"`
	WebhookURL  string               `json:"webhook_url,omitempty"`
	Export      domain.ExportOptions `json:"export"`
	RequestedAt time.Time            `json:"requested_at"`
}

func NewRemoveWatermarkTask(payload RemoveWatermarkPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal remove payload: %w", err)
	}
	return asynq.NewTask(TypeRemoveWatermark, body), nil
}

func ParseRemoveWatermarkPayload(task *asynq.Task) (RemoveWatermarkPayload, error) {
	var payload RemoveWatermarkPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RemoveWatermarkPayload{}, fmt.Errorf("unmarshal remove payload: %w", err)
	}
	if payload.RemovalID == "" {
		return RemoveWatermarkPayload{}, fmt.Errorf("remove payload is missing removal_id")
	}
	return payload, nil
}
