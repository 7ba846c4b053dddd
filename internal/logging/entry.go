package logging

import "time"

// Entry is one recorded log line.
type Entry struct {
	Time    time.Time         `json:"time"`
	Level   Level             `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Field keys shared across packages.
const (
	FieldCategory   = "fleet.category"
	FieldInstanceID = "instance_id"
	FieldParentID   = "parent_id"
	FieldMessageID  = "message_id"
	FieldError      = "error"
)

func mergeFields(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}
