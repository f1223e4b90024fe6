package errs

// Relay error codes. One opaque code per failure class; auth failures are
// deliberately collapsed into a single code so verification internals never
// leak to the client.
const (
	ServerInternalError = 500

	TokenInvalidError  = 1001
	BadFrameError      = 1002
	PublishFailedError = 1003
	DeliveryError      = 1004
	BusDownError       = 1005
)

var (
	ErrTokenInvalid  = NewCodeError(TokenInvalidError, "invalid token")
	ErrBadFrame      = NewCodeError(BadFrameError, "malformed frame")
	ErrPublishFailed = NewCodeError(PublishFailedError, "publish failed")
	ErrDelivery      = NewCodeError(DeliveryError, "delivery failed")
	ErrBusDown       = NewCodeError(BusDownError, "bus unavailable")
	ErrInternal      = NewCodeError(ServerInternalError, "internal error")
)
