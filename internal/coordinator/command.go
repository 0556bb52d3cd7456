package coordinator

import (
	"fmt"
	"time"
)

// Command is a pending user-initiated change to one control. Exactly one of
// Target, Enabled, or Mode must be set, matching the control's type.
type Command struct {
	DeviceID    string
	Control     string
	ZoneID      *int
	Target      *float64
	Enabled     *bool
	Mode        *string
	SubmittedAt time.Time
}

func (c Command) controlKey() string {
	if c.ZoneID != nil {
		return fmt.Sprintf("%s/%d", c.Control, *c.ZoneID)
	}
	return c.Control
}

// CommandFailedError reports a rejected command. The optimistic cache update
// has already been reverted to RevertedTo when this error is returned.
type CommandFailedError struct {
	DeviceID   string
	Control    string
	Attempted  any
	RevertedTo any
	Err        error
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command %s on %s failed (attempted=%v, reverted_to=%v): %v",
		e.Control, e.DeviceID, e.Attempted, e.RevertedTo, e.Err)
}

func (e *CommandFailedError) Unwrap() error { return e.Err }
