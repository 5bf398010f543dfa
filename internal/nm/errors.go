package nm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// RemediationHint accompanies NotAuthorized errors. The saved profile must
// name the invoking user in its permissions for PolicyKit to allow
// non-privileged modification.
const RemediationHint = "the saved connection must be owned by the invoking user " +
	"(connection.permissions = user:<name>:); re-run 'pia-nm setup' as that user " +
	"or delete the stale profile"

// DBusError is a transport-level or unclassified D-Bus failure.
type DBusError struct {
	Op  string
	Err error
}

func (e *DBusError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DBusError) Unwrap() error {
	return e.Err
}

// NotAuthorizedError is a PolicyKit denial.
type NotAuthorizedError struct {
	Op string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("%s: not authorized (%s)", e.Op, RemediationHint)
}

// VersionMismatchError is the reapply CAS failure: the supplied version id no
// longer matches the applied configuration.
type VersionMismatchError struct {
	Op string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s: applied-configuration version id is stale", e.Op)
}

// NotFoundError reports a missing connection or device object.
type NotFoundError struct {
	Op string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: not found", e.Op)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsVersionMismatch reports whether err is a VersionMismatchError.
func IsVersionMismatch(err error) bool {
	var vm *VersionMismatchError
	return errors.As(err, &vm)
}

// classify maps a raw D-Bus error to the gateway's typed errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var dbe dbus.Error
	if errors.As(err, &dbe) {
		name := dbe.Name
		switch {
		case strings.HasSuffix(name, ".Device.VersionIdMismatch"):
			return &VersionMismatchError{Op: op}
		case strings.HasSuffix(name, ".PermissionDenied"),
			strings.HasSuffix(name, ".NotAuthorized"),
			name == "org.freedesktop.DBus.Error.AccessDenied":
			return &NotAuthorizedError{Op: op}
		case strings.HasSuffix(name, ".Settings.InvalidConnection"),
			strings.HasSuffix(name, ".UnknownConnection"),
			strings.HasSuffix(name, ".UnknownDevice"),
			name == "org.freedesktop.DBus.Error.UnknownObject":
			return &NotFoundError{Op: op}
		}
	}
	return &DBusError{Op: op, Err: err}
}
