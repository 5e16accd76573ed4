package contracts

// Status is the outcome code carried by an Envelope
type Status string

const (
	// StatusCreated marks an accepted operation that has no outcome yet
	StatusCreated Status = "CREATED"
	// StatusExists means the operation was already completed or registered
	StatusExists Status = "EXISTS"
	// StatusTimeout means no outcome arrived before the caller's deadline
	StatusTimeout Status = "TIMEOUT"
	// StatusNotFound means a referenced entity does not exist
	StatusNotFound Status = "NOT_FOUND"
	// StatusError means the consumer failed to process the operation
	StatusError Status = "ERROR"
	// StatusInsufficientBalance is a payment precondition failure
	StatusInsufficientBalance Status = "INSUFFICIENT_BALANCE"
	// StatusForbidden is an authorization failure
	StatusForbidden Status = "FORBIDDEN"
)

// Statuses lists every known status in declaration order
var Statuses = []Status{
	StatusCreated,
	StatusExists,
	StatusTimeout,
	StatusNotFound,
	StatusError,
	StatusInsufficientBalance,
	StatusForbidden,
}

// String returns the wire form of the status
func (s Status) String() string {
	return string(s)
}

// IsKnown reports whether s belongs to the status taxonomy
func (s Status) IsKnown() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s concludes an operation
func (s Status) IsTerminal() bool {
	return s != StatusCreated && s != ""
}
