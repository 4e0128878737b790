package escalation

import "strings"

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// priorityFor derives a priority label from keywords in the level name.
func priorityFor(levelName string) Priority {
	name := strings.ToLower(levelName)
	switch {
	case strings.Contains(name, "urgent"), strings.Contains(name, "critical"):
		return PriorityUrgent
	case strings.Contains(name, "manager"), strings.Contains(name, "supervisor"):
		return PriorityHigh
	case strings.Contains(name, "senior"), strings.Contains(name, "lead"):
		return PriorityMedium
	default:
		return PriorityLow
	}
}
