package redisstream

// Stream entry fields.
const (
	fieldID            = "id"
	fieldCorrelationID = "cid"
	fieldReplyTo       = "replyTo" // "<kind>:<name>"
	fieldType          = "type"
	fieldDeliveryMode  = "mode"
	fieldPriority      = "prio"
	fieldExpiration    = "exp" // unix ms
	fieldTimestamp     = "ts"  // unix ms
	fieldRedelivered   = "redelivered"
	fieldKind          = "kind" // "t" text, "b" bytes
	fieldBody          = "body" // raw bytes, no base64
	fieldOrigin        = "origin"
	fieldPropPrefix    = "prop:"
)

// Key segments under Config.Prefix.
const (
	keyQueue = "q:"
	keyTopic = "t:"
	keyTemp  = "tmp:"
)
