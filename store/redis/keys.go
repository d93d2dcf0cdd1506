package redis

// Key prefixes for primary entity storage.
const (
	prefixMessage = "crmrelay:msg:"
	prefixDLQ     = "crmrelay:dlq:"
)

// Key prefixes for sorted set indexes.
const (
	zQueue     = "crmrelay:z:queue" // score = visible-at unix millis
	zDLQAll    = "crmrelay:z:dlq:all"
	zDLQTenant = "crmrelay:z:dlq:tenant:" // + tenant ID
)

// Message hash fields.
const (
	fieldBody         = "body"
	fieldDequeueCount = "dequeue_count"
	fieldEnqueuedAt   = "enqueued_at"
	fieldCreatedAt    = "created_at"
	fieldUpdatedAt    = "updated_at"
)

// entityKey returns the primary key for an entity.
func entityKey(prefix, id string) string {
	return prefix + id
}
