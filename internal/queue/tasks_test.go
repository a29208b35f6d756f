package queue

import (
	"testing"
	"time"

	"github.com/dunamismax/unwatermark/internal/domain"
	"github.com/hibiken/asynq"
)

func TestRemoveWatermarkTaskRoundTrip(t *testing.T) {
	payload := RemoveWatermarkPayload{
		RemovalID:   "rm-123",
		SourceType:  domain.SourceTypeObject,
		ObjectKey:   "uploads/rm-123/source",
		Export:      domain.ExportOptions{Format: "webp", Width: 320},
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewRemoveWatermarkTask(payload)
	if err != nil {
		t.Fatalf("NewRemoveWatermarkTask returned error: %v", err)
	}
	if task.Type() != TypeRemoveWatermark {
		t.Fatalf("expected task type %s, got %s", TypeRemoveWatermark, task.Type())
	}

	parsed, err := ParseRemoveWatermarkPayload(task)
	if err != nil {
		t.Fatalf("ParseRemoveWatermarkPayload returned error: %v", err)
	}

	if parsed.RemovalID != payload.RemovalID {
		t.Fatalf("expected removal_id %q, got %q", payload.RemovalID, parsed.RemovalID)
	}
	if parsed.Export.Width != 320 || parsed.Export.Format != "webp" {
		t.Fatalf("unexpected export options %+v", parsed.Export)
	}
}

func TestParseRemoveWatermarkPayloadRejectsBadInput(t *testing.T) {
	for _, body := range []string{"{", `{"source_type":"url"}`} {
		task := asynq.NewTask(TypeRemoveWatermark, []byte(body))
		if _, err := ParseRemoveWatermarkPayload(task); err == nil {
			t.Fatalf("expected error for payload %s", body)
		}
	}
}
