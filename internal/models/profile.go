package models

// Profile document fields maintained by the ingestion driver rather than
// extracted from platform objects.
const (
	FieldID            = "id"
	FieldMessageCount  = "message_count"
	FieldMessageCounts = "message_counts"
	FieldTotal         = "total"
	FieldLastSeen      = "last_seen"
	FieldStatus        = "status"
	FieldLastOnline    = "last_online"
)
