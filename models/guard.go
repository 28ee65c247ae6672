package models

// DispatchGuard marks an object key as claimed. ExpiresAt is zero for
// latches that never expire. Token identifies the dispatch that took it.
type DispatchGuard struct {
	URI           string `dynamodbav:"uri"`
	ContentLength int64  `dynamodbav:"content_length"`
	ContentType   string `dynamodbav:"content_type"`
	DispatchedAt  int64  `dynamodbav:"dispatched_at"`
	ExpiresAt     int64  `dynamodbav:"expires_at,omitempty"`
	Token         string `dynamodbav:"token" json:"token"`
}
