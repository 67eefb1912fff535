package notify

import "errors"

// DeliveryError classifies a transport failure. Permanent failures (invalid
// address, rejected sender) are never retried; everything else is treated as
// transient and retried with backoff.
type DeliveryError struct {
	Permanent bool
	Reason    string
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	msg := kind + " delivery failure: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a permanent delivery failure.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}
