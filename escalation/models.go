package escalation

import (
	"encoding/json"
	"fmt"
)

// Level is one hierarchy level of a tenant's resolved escalation
// configuration. The first level decides what kind of action a dispatch
// turns into.
type Level struct {
	Name     string            `json:"name"`
	Channels []string          `json:"channels"`
	Routing  map[string]string `json:"routing,omitempty"`
}

// Config is the escalation configuration as resolved by the tenant
// configuration service. It travels with each timer step as opaque JSON and
// is snapshot onto the escalation event when applied.
type Config struct {
	Levels []Level `json:"levels"`
}

// ParseConfig decodes a step's raw configuration.
func ParseConfig(raw json.RawMessage) (Config, error) {
	if len(raw) == 0 {
		return Config{}, fmt.Errorf("escalation: empty config")
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("escalation: decode config: %w", err)
	}
	return cfg, nil
}

type ActionKind string

const (
	ActionTask         ActionKind = "task"
	ActionMessage      ActionKind = "message"
	ActionNotification ActionKind = "notification"
)

// actionFor maps a level's notification channels to an action kind:
// task-oriented channels (or none at all) become a task, email/SMS-capable
// channels become a message, anything else is delivered as an internal
// notification event.
func actionFor(level Level) ActionKind {
	if len(level.Channels) == 0 {
		return ActionTask
	}
	for _, ch := range level.Channels {
		switch ch {
		case "task", "ticket", "todo":
			return ActionTask
		}
	}
	for _, ch := range level.Channels {
		switch ch {
		case "email", "sms":
			return ActionMessage
		}
	}
	return ActionNotification
}
