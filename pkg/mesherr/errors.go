// Package mesherr defines the error taxonomy shared by the mesh engine.
//
// Every failure that crosses a component boundary is one of six typed
// errors. Callers distinguish them with errors.As or the Is* helpers:
//
//	resp, err := svc.SendGenericOnOffGet(ctx, 0x0010, 0)
//	switch {
//	case mesherr.IsTimeout(err):
//	    // nothing answered before the deadline
//	case mesherr.IsProtocol(err):
//	    // the node answered with a failure status
//	}
package mesherr

import (
	"errors"
	"fmt"
	"time"
)

// TransportError reports a connect, disconnect, send or link-loss failure.
type TransportError struct {
	Op      string
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Address, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ScanError reports a scan hardware failure.
type ScanError struct {
	Err error
}

func (e *ScanError) Error() string { return fmt.Sprintf("scan failed: %v", e.Err) }

func (e *ScanError) Unwrap() error { return e.Err }

// TimeoutError reports a pending call that was not answered in time.
// Waits that are not keyed by opcode, such as provisioning, set Op and
// Device instead.
type TimeoutError struct {
	// Opcode is the expected response opcode.
	Opcode  uint32
	Address uint16
	After   time.Duration

	Op     string
	Device string
}

func (e *TimeoutError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s %s: no response within %s", e.Op, e.Device, e.After)
	}
	return fmt.Sprintf("no response 0x%04X from 0x%04X within %s", e.Opcode, e.Address, e.After)
}

// NotFoundError reports a missing device, identity, node or cached record.
type NotFoundError struct {
	What string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.ID)
}

// ProtocolError reports a decode failure or a failure status code carried in
// a response. Response holds the decoded message when one was available.
type ProtocolError struct {
	Opcode   uint32
	Status   uint8
	Response any
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error on 0x%04X: %v", e.Opcode, e.Err)
	}
	return fmt.Sprintf("opcode 0x%04X returned status 0x%02X", e.Opcode, e.Status)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StateError reports an operation attempted without the state it needs,
// typically a live link.
type StateError struct {
	Op     string
	Reason string
	Err    error
}

func (e *StateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *StateError) Unwrap() error { return e.Err }

// IsTransport reports whether err is or wraps a TransportError.
func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// IsScan reports whether err is or wraps a ScanError.
func IsScan(err error) bool {
	var target *ScanError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsProtocol reports whether err is or wraps a ProtocolError.
func IsProtocol(err error) bool {
	var target *ProtocolError
	return errors.As(err, &target)
}

// IsState reports whether err is or wraps a StateError.
func IsState(err error) bool {
	var target *StateError
	return errors.As(err, &target)
}
