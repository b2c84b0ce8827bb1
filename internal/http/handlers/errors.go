package handlers

// Error codes carried in ErrorResponse.Code. Clients branch on these, not on
// the message text.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized" // missing X-User-ID
	ErrCodeForbidden        = "forbidden"    // not a participant
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict" // message id taken by another sender or chat
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"

	// Same value the rate-limit middleware writes.
	ErrCodeRateLimited = "rate_limited"

	ErrCodeNotOwner     = "not_owner" // edit/delete of someone else's message
	ErrCodeCreateFailed = "create_failed"
	ErrCodePostFailed   = "post_failed"
	ErrCodeListFailed   = "list_failed"
	ErrCodeFeedFailed   = "feed_failed"
)
