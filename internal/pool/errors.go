package pool

import (
	"errors"
	"fmt"
)

// ErrTierFull is returned when a tier already holds MaxChannelsPerTier channels.
var ErrTierFull = errors.New("tier at capacity")

// ConfigurationError means the configured container cannot be managed.
type ConfigurationError struct {
	ContainerID string
	Reason      string
	Err         error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("container %s: %s: %v", e.ContainerID, e.Reason, e.Err)
	}
	return fmt.Sprintf("container %s: %s", e.ContainerID, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// BootstrapError wraps a gateway failure during Initialize.
type BootstrapError struct {
	Op  string
	Err error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s: %v", e.Op, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }
