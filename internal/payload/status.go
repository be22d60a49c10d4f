package payload

// Status is the persisted delivery/read bitmask of a message. Bits are
// only ever added, never cleared, until the row is deleted.
type Status int

const (
	StatusSending Status = 0
	StatusError   Status = 1 << 0
	StatusSent    Status = 1 << 1
	StatusReceipt Status = 1 << 2
	StatusRead    Status = 1 << 3
)

// Has reports whether every bit of flag is set.
func (s Status) Has(flag Status) bool {
	return s&flag == flag
}

// Merge returns the monotonic union of the two bitmasks.
func (s Status) Merge(flag Status) Status {
	return s | flag
}
