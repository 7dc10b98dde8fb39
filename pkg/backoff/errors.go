package backoff

import "errors"

// ErrExhausted is returned by Retry when maxAttempts is reached
var ErrExhausted = errors.New("retry attempts exhausted")
