package events

import "fmt"

// requiredKeys lists, per event kind the system itself emits, the payload
// keys a record must carry to be useful in the audit trail. Unknown kinds
// pass through untouched; callers may log their own tags.
var requiredKeys = map[string][]string{
	"task_created":           {"task_id", "title", "type"},
	"task_claimed":           {"task_id"},
	"task_start":             {"task_id"},
	"task_completed":         {"task_id"},
	"task_failed":            {"task_id"},
	"task_blocked":           {"task_id"},
	"task_retries_exhausted": {"task_id"},
	"system_paused":          {"paused"},
	"system_resumed":         {"paused"},
	"report_generated":       {"date", "path"},
	"health_check":           {"status"},
}

func validatePayload(evtType string, payload EventPayload) error {
	keys, known := requiredKeys[evtType]
	if !known {
		return nil
	}
	for _, k := range keys {
		if _, ok := payload[k]; !ok {
			return fmt.Errorf("event %s: payload missing required key %q", evtType, k)
		}
	}
	return nil
}
