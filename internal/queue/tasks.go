package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypePrewarmVariant = "variant:prewarm"

// PrewarmPayload asks the worker to run the delivery pipeline for a set
// of canonical paths so the variants are cached before client demand.
type PrewarmPayload struct {
	Paths       []string  `json:"paths"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func (p PrewarmPayload) Validate() error {
	if len(p.Paths) == 0 {
		return errors.New("paths must contain at least one canonical path")
	}
	for i, path := range p.Paths {
		if path == "" || path[0] != '/' {
			return fmt.Errorf("paths[%d] must be an absolute canonical path", i)
		}
	}
	return nil
}

func NewPrewarmTask(payload PrewarmPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal prewarm payload: %w", err)
	}
	return asynq.NewTask(TypePrewarmVariant, body), nil
}

func ParsePrewarmPayload(task *asynq.Task) (PrewarmPayload, error) {
	var payload PrewarmPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return PrewarmPayload{}, fmt.Errorf("unmarshal prewarm payload: %w", err)
	}
	return payload, nil
}
