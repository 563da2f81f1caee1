package errors

// WrapOpComponent provides a convenience helper to wrap errors with consistent
// Op and Component propagation. If err is nil, returns nil.
func WrapOpComponent(err error, op, component string) error {
	if err == nil {
		return nil
	}
	return &SyncError{
		Op:        Operation(op),
		Component: component,
		Err:       err,
	}
}

// WrapOpComponentKind provides a convenience helper to wrap errors with Op,
// Component, and Kind. If err is nil, returns nil.
func WrapOpComponentKind(err error, op, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return &SyncError{
		Op:        Operation(op),
		Component: component,
		Kind:      kind,
		Err:       err,
		Retryable: kind == KindTransient || kind == KindStorage || kind == KindCorruption,
	}
}
