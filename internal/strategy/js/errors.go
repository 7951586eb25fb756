package js

import "errors"

// ErrFunctionMissing is returned when a requested export or handler method does not exist.
var ErrFunctionMissing = errors.New("strategy function missing")

// ErrClosed is returned by calls on a closed instance.
var ErrClosed = errors.New("strategy instance closed")
