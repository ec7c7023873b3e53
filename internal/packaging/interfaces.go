package packaging

// SystemdController abstracts systemd service management for testability.
// Methods that modify state are idempotent.
type SystemdController interface {
	// IsAvailable reports whether systemctl is present.
	IsAvailable() bool

	DaemonReload() error
	Enable(service string) error
	Disable(service string) error
	Restart(service string) error

	// Stop returns nil if the service is not running.
	Stop(service string) error
}

// RootChecker abstracts privilege checking for testability.
type RootChecker interface {
	IsRoot() bool
}
