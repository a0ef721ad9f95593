package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldName          = "name"
	fieldPayload       = "payload" // raw []byte (no base64)
	fieldCorrelationID = "correlation_id"
	fieldAttributes    = "attributes"        // codec-encoded map
	fieldSticky        = "sticky_attributes" // codec-encoded map
	fieldSeenCount     = "seen_count"        // deliveries before this entry
	fieldProducedAt    = "produced_at"       // int64 ns
)
