package deferred

import "errors"

// ErrRejected is the failure observed by waiters when a Deferred is
// rejected without a reason.
var ErrRejected = errors.New("deferred rejected")
