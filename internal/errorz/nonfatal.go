package errorz

// NonFatal marks a failure of a best-effort secondary effect. These are
// logged at the call site and then discarded, they never propagate to
// the end user.
type NonFatal struct {
	Err error
}

func (n NonFatal) Error() string {
	return "non-fatal: " + n.Err.Error()
}

func (n NonFatal) Unwrap() error {
	return n.Err
}
