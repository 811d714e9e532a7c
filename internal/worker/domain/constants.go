package domain

// Job classes
const (
	ClassEmail          JobClass = "email"
	ClassMarketingEmail JobClass = "marketing"
	ClassReport         JobClass = "report"
)

// Message headers carried in persisted message metadata
const (
	HeaderAttemptCount  = "x-attempt-count"
	HeaderDeath         = "x-death"
	HeaderDelay         = "x-delay"
	HeaderLastError     = "x-last-error"
	HeaderOriginalQueue = "x-original-queue"
	HeaderExhaustedAt   = "x-exhausted-at"
)

// ContentTypeJSON is the content type of every envelope
const ContentTypeJSON = "application/json"
