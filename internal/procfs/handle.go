package procfs

// Handle is an OS reference to one process incarnation. It stays bound to
// the original process even if its PID is later reused.
type Handle interface {
	// Exited reports whether the referenced process has terminated.
	Exited() (bool, error)
	Close() error
}
