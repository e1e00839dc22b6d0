package state

import "fmt"

// NotFoundError reports a lookup for an instance that does not exist.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("instance %q not found", e.Name)
}

// AlreadyExistsError reports a create with a name that is taken.
type AlreadyExistsError struct {
	Name string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("instance %q already exists", e.Name)
}

// PortUnavailableError reports a port reservation that lost to an
// existing row. The ports table primary key is the serialization
// point for concurrent allocators.
type PortUnavailableError struct {
	Port int
}

func (e *PortUnavailableError) Error() string {
	return fmt.Sprintf("Port %d is not available", e.Port)
}
