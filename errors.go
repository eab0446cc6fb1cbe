// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package uasession

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// StatusCode severity levels.
const (
	StatusSeverityGood      uint32 = 0x00000000
	StatusSeverityUncertain uint32 = 0x40000000
	StatusSeverityBad       uint32 = 0x80000000
	StatusSeverityMask      uint32 = 0xC0000000
)

// Status codes acted on by the session and subscription layer.
const (
	StatusGood                        StatusCode = 0x00000000
	StatusUncertain                   StatusCode = 0x40000000
	StatusBad                         StatusCode = 0x80000000
	StatusBadUnexpectedError          StatusCode = 0x80010000
	StatusBadInternalError            StatusCode = 0x80020000
	StatusBadResourceUnavailable      StatusCode = 0x80040000
	StatusBadCommunicationError       StatusCode = 0x80050000
	StatusBadEncodingLimitsExceeded   StatusCode = 0x80080000
	StatusBadTimeout                  StatusCode = 0x800A0000
	StatusBadServiceUnsupported       StatusCode = 0x800B0000
	StatusBadShutdown                 StatusCode = 0x800C0000
	StatusBadServerNotConnected       StatusCode = 0x800D0000
	StatusBadServerHalted             StatusCode = 0x800E0000
	StatusBadNothingToDo              StatusCode = 0x800F0000
	StatusBadTooManyOperations        StatusCode = 0x80100000
	StatusBadCertificateInvalid       StatusCode = 0x80120000
	StatusBadSecurityChecksFailed     StatusCode = 0x80130000
	StatusBadUserAccessDenied         StatusCode = 0x801F0000
	StatusBadIdentityTokenInvalid     StatusCode = 0x80200000
	StatusBadIdentityTokenRejected    StatusCode = 0x80210000
	StatusBadSecureChannelIdInvalid   StatusCode = 0x80220000
	StatusBadSessionIdInvalid         StatusCode = 0x80250000
	StatusBadSessionClosed            StatusCode = 0x80260000
	StatusBadSessionNotActivated      StatusCode = 0x80270000
	StatusBadSubscriptionIdInvalid    StatusCode = 0x80280000
	StatusBadRequestCancelledByClient StatusCode = 0x802C0000
	StatusBadNoCommunication          StatusCode = 0x80310000
	StatusBadWaitingForInitialData    StatusCode = 0x80320000
	StatusBadNodeIdUnknown            StatusCode = 0x80340000
	StatusBadOutOfRange               StatusCode = 0x803C0000
	StatusBadNotSupported             StatusCode = 0x803D0000
	StatusBadMonitoredItemIdInvalid   StatusCode = 0x80420000
	StatusBadMethodInvalid            StatusCode = 0x80750000
	StatusBadTooManySubscriptions     StatusCode = 0x80770000
	StatusBadTooManyPublishRequests   StatusCode = 0x80780000
	StatusBadNoSubscription           StatusCode = 0x80790000
	StatusBadSequenceNumberUnknown    StatusCode = 0x807A0000
	StatusBadMessageNotAvailable      StatusCode = 0x807B0000
	StatusBadTcpServerTooBusy         StatusCode = 0x807D0000
	StatusBadTcpInternalError         StatusCode = 0x80820000
	StatusBadRequestTimeout           StatusCode = 0x80850000
	StatusBadSecureChannelClosed      StatusCode = 0x80860000
	StatusBadNotConnected             StatusCode = 0x808A0000
	StatusBadInvalidArgument          StatusCode = 0x80AB0000
	StatusBadConnectionClosed         StatusCode = 0x80AE0000
	StatusBadInvalidState             StatusCode = 0x80AF0000
	StatusBadServerTooBusy            StatusCode = 0x80EE0000
	StatusGoodSubscriptionTransferred StatusCode = 0x002D0000
	StatusGoodCompletesAsynchronously StatusCode = 0x002E0000
	StatusUncertainInitialValue       StatusCode = 0x40920000
	StatusUncertainLastUsableValue    StatusCode = 0x40900000
)

type statusCodeInfo struct {
	name        string
	description string
}

var statusCodeMap = map[StatusCode]statusCodeInfo{
	StatusGood:                        {"Good", "The operation completed successfully"},
	StatusUncertain:                   {"Uncertain", "The operation completed with an uncertain result"},
	StatusBad:                         {"Bad", "The operation failed"},
	StatusBadUnexpectedError:          {"BadUnexpectedError", "An unexpected error occurred"},
	StatusBadInternalError:            {"BadInternalError", "An internal error occurred"},
	StatusBadResourceUnavailable:      {"BadResourceUnavailable", "An operating system resource is not available"},
	StatusBadCommunicationError:       {"BadCommunicationError", "A low level communication error occurred"},
	StatusBadEncodingLimitsExceeded:   {"BadEncodingLimitsExceeded", "The message encoding/decoding limits have been exceeded"},
	StatusBadTimeout:                  {"BadTimeout", "The operation timed out"},
	StatusBadServiceUnsupported:       {"BadServiceUnsupported", "The server does not support the requested service"},
	StatusBadShutdown:                 {"BadShutdown", "The operation was cancelled because the application is shutting down"},
	StatusBadServerNotConnected:       {"BadServerNotConnected", "The operation could not complete because the client is not connected to the server"},
	StatusBadServerHalted:             {"BadServerHalted", "The server has stopped and cannot process any requests"},
	StatusBadNothingToDo:              {"BadNothingToDo", "No processing could be done because there was nothing to do"},
	StatusBadTooManyOperations:        {"BadTooManyOperations", "The request could not be processed because it specified too many operations"},
	StatusBadCertificateInvalid:       {"BadCertificateInvalid", "The certificate provided as a parameter is not valid"},
	StatusBadSecurityChecksFailed:     {"BadSecurityChecksFailed", "An error occurred verifying security"},
	StatusBadUserAccessDenied:         {"BadUserAccessDenied", "User does not have permission to perform the requested operation"},
	StatusBadIdentityTokenInvalid:     {"BadIdentityTokenInvalid", "The user identity token is not valid"},
	StatusBadIdentityTokenRejected:    {"BadIdentityTokenRejected", "The user identity token is valid but the server has rejected it"},
	StatusBadSecureChannelIdInvalid:   {"BadSecureChannelIdInvalid", "The specified secure channel is no longer valid"},
	StatusBadSessionIdInvalid:         {"BadSessionIdInvalid", "The session id is not valid"},
	StatusBadSessionClosed:            {"BadSessionClosed", "The session was closed by the client"},
	StatusBadSessionNotActivated:      {"BadSessionNotActivated", "The session cannot be used because ActivateSession has not been called"},
	StatusBadSubscriptionIdInvalid:    {"BadSubscriptionIdInvalid", "The subscription id is not valid"},
	StatusBadRequestCancelledByClient: {"BadRequestCancelledByClient", "The request was cancelled by the client"},
	StatusBadNoCommunication:          {"BadNoCommunication", "Communication with the data source is defined, but not established"},
	StatusBadWaitingForInitialData:    {"BadWaitingForInitialData", "Waiting for the server to obtain values from the underlying data source"},
	StatusBadNodeIdUnknown:            {"BadNodeIdUnknown", "The node id refers to a node that does not exist in the server address space"},
	StatusBadOutOfRange:               {"BadOutOfRange", "The value was out of range"},
	StatusBadNotSupported:             {"BadNotSupported", "The requested operation is not supported"},
	StatusBadMonitoredItemIdInvalid:   {"BadMonitoredItemIdInvalid", "The monitoring item id does not refer to a valid monitored item"},
	StatusBadMethodInvalid:            {"BadMethodInvalid", "The method id does not refer to a method for the specified object"},
	StatusBadTooManySubscriptions:     {"BadTooManySubscriptions", "The server has reached its maximum number of subscriptions"},
	StatusBadTooManyPublishRequests:   {"BadTooManyPublishRequests", "The server has reached the maximum number of queued publish requests"},
	StatusBadNoSubscription:           {"BadNoSubscription", "There is no subscription available for this session"},
	StatusBadSequenceNumberUnknown:    {"BadSequenceNumberUnknown", "The sequence number is unknown to the server"},
	StatusBadMessageNotAvailable:      {"BadMessageNotAvailable", "The requested notification message is no longer available"},
	StatusBadTcpServerTooBusy:         {"BadTcpServerTooBusy", "The server cannot process the request because it is too busy"},
	StatusBadServerTooBusy:            {"BadServerTooBusy", "The server does not have the resources to process the request at this time"},
	StatusBadTcpInternalError:         {"BadTcpInternalError", "An internal error occurred"},
	StatusBadRequestTimeout:           {"BadRequestTimeout", "Timeout occurred while processing the request"},
	StatusBadSecureChannelClosed:      {"BadSecureChannelClosed", "The secure channel has been closed"},
	StatusBadNotConnected:             {"BadNotConnected", "The variable should receive its value from another variable, but has never been configured to do so"},
	StatusBadInvalidArgument:          {"BadInvalidArgument", "One or more arguments are invalid"},
	StatusBadConnectionClosed:         {"BadConnectionClosed", "The network connection has been closed"},
	StatusBadInvalidState:             {"BadInvalidState", "The operation cannot be completed because the object is closed, uninitialized or in some other invalid state"},
	StatusGoodSubscriptionTransferred: {"GoodSubscriptionTransferred", "The subscription was transferred to another session"},
	StatusGoodCompletesAsynchronously: {"GoodCompletesAsynchronously", "The processing will complete asynchronously"},
	StatusUncertainInitialValue:       {"UncertainInitialValue", "The value is an initial value for a variable that normally receives its value from another variable"},
	StatusUncertainLastUsableValue:    {"UncertainLastUsableValue", "Whatever was updating this value has stopped doing so"},
}

// String returns the symbolic name of the status code.
func (s StatusCode) String() string {
	if info, ok := statusCodeMap[s]; ok {
		return info.name
	}
	return fmt.Sprintf("StatusCode(0x%08X)", uint32(s))
}

// Description returns a human-readable description of the status code.
func (s StatusCode) Description() string {
	if info, ok := statusCodeMap[s]; ok {
		return info.description
	}
	switch {
	case s.IsGood():
		return "The operation completed successfully"
	case s.IsUncertain():
		return "The operation completed with uncertain result"
	default:
		return "The operation failed"
	}
}

// Error returns a formatted error string with code, name, and description.
func (s StatusCode) Error() string {
	if info, ok := statusCodeMap[s]; ok {
		return fmt.Sprintf("%s (0x%08X): %s", info.name, uint32(s), info.description)
	}
	return fmt.Sprintf("StatusCode 0x%08X", uint32(s))
}

// IsGood returns true if the status code indicates success.
func (s StatusCode) IsGood() bool {
	return (uint32(s) & StatusSeverityMask) == StatusSeverityGood
}

// IsUncertain returns true if the status code indicates uncertainty.
func (s StatusCode) IsUncertain() bool {
	return (uint32(s) & StatusSeverityMask) == StatusSeverityUncertain
}

// IsBad returns true if the status code indicates failure.
func (s StatusCode) IsBad() bool {
	return (uint32(s) & StatusSeverityMask) == StatusSeverityBad
}

// Code strips the info bits, leaving severity and sub code.
func (s StatusCode) Code() StatusCode {
	return s & 0xFFFF0000
}

// OPCUAError is a service failure reported by the server or the transport.
type OPCUAError struct {
	Service    ServiceID
	StatusCode StatusCode
	Message    string
}

// Error implements the error interface.
func (e *OPCUAError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("uasession: %s (%s): %s", e.StatusCode, e.Service, e.Message)
	}
	return fmt.Sprintf("uasession: %s (%s)", e.StatusCode, e.Service)
}

// Is reports whether target carries the same status code.
func (e *OPCUAError) Is(target error) bool {
	switch t := target.(type) {
	case *OPCUAError:
		return e.StatusCode == t.StatusCode
	case StatusCode:
		return e.StatusCode == t
	}
	return false
}

// Unwrap exposes the status code so errors.As(err, &StatusCode) works.
func (e *OPCUAError) Unwrap() error {
	return e.StatusCode
}

// Common errors.
var (
	// ErrSessionClosed indicates the session was closed or disposed.
	ErrSessionClosed = errors.New("uasession: session closed")

	// ErrNotConnected indicates the session has no active server session.
	ErrNotConnected = errors.New("uasession: not connected")

	// ErrInvalidConfiguration indicates an option value is unusable.
	ErrInvalidConfiguration = errors.New("uasession: invalid configuration")

	// ErrCertificateRequired indicates the security settings need a client certificate.
	ErrCertificateRequired = errors.New("uasession: certificate required")

	// ErrInvalidState indicates the object is not in a state that allows the call.
	ErrInvalidState = errors.New("uasession: invalid state")

	// ErrInvalidNodeID indicates a node id string could not be parsed.
	ErrInvalidNodeID = errors.New("uasession: invalid node ID")

	// ErrSubscriptionNotFound indicates the subscription is not owned by the session.
	ErrSubscriptionNotFound = errors.New("uasession: subscription not found")

	// ErrTransferFailed indicates the server and client views of a transferred
	// subscription could not be reconciled.
	ErrTransferFailed = errors.New("uasession: subscription transfer failed")

	// ErrReconnectDisposed indicates the reconnect handler was disposed.
	ErrReconnectDisposed = errors.New("uasession: reconnect handler disposed")
)

// NewOPCUAError creates a new service error.
func NewOPCUAError(svc ServiceID, sc StatusCode, msg string) *OPCUAError {
	return &OPCUAError{
		Service:    svc,
		StatusCode: sc,
		Message:    msg,
	}
}

// StatusCodeOf folds any error into the status code the recovery logic acts on.
func StatusCodeOf(err error) StatusCode {
	if err == nil {
		return StatusGood
	}
	var opcuaErr *OPCUAError
	if errors.As(err, &opcuaErr) {
		return opcuaErr.StatusCode
	}
	var sc StatusCode
	if errors.As(err, &sc) {
		return sc
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return StatusBadTimeout
	case errors.Is(err, context.Canceled):
		return StatusBadRequestCancelledByClient
	case errors.Is(err, ErrSessionClosed):
		return StatusBadSessionClosed
	case errors.Is(err, ErrNotConnected):
		return StatusBadNotConnected
	case errors.Is(err, ErrInvalidState):
		return StatusBadInvalidState
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return StatusBadTimeout
		}
		return StatusBadCommunicationError
	}
	return StatusBadUnexpectedError
}

// IsStatusCode checks if an error carries a specific status code.
func IsStatusCode(err error, code StatusCode) bool {
	return err != nil && StatusCodeOf(err).Code() == code.Code()
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return IsStatusCode(err, StatusBadTimeout) || IsStatusCode(err, StatusBadRequestTimeout)
}

// IsNotConnected checks if the error indicates not connected.
func IsNotConnected(err error) bool {
	return IsStatusCode(err, StatusBadNotConnected) || IsStatusCode(err, StatusBadServerNotConnected)
}

// IsSessionClosed checks if the error indicates the session is gone.
func IsSessionClosed(err error) bool {
	return IsStatusCode(err, StatusBadSessionClosed) || IsStatusCode(err, StatusBadSessionIdInvalid)
}

// ErrorClass groups status codes by the recovery they call for.
type ErrorClass int

const (
	// ErrorClassTransient covers timeouts, busy servers and lost connections.
	ErrorClassTransient ErrorClass = iota
	// ErrorClassProtocol covers recognised rejections with a specific action.
	ErrorClassProtocol
	// ErrorClassSession covers failures that end the current server session.
	ErrorClassSession
	// ErrorClassSecurity covers certificate and security check failures.
	ErrorClassSecurity
	// ErrorClassUnknown covers everything else.
	ErrorClassUnknown
)

// String returns the class name.
func (c ErrorClass) String() string {
	switch c {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassProtocol:
		return "protocol"
	case ErrorClassSession:
		return "session"
	case ErrorClassSecurity:
		return "security"
	default:
		return "unknown"
	}
}

// Classify maps a status code onto an ErrorClass.
func Classify(code StatusCode) ErrorClass {
	switch code.Code() {
	case StatusBadTimeout, StatusBadRequestTimeout, StatusBadNotConnected, StatusBadServerNotConnected,
		StatusBadCommunicationError, StatusBadTcpInternalError, StatusBadConnectionClosed,
		StatusBadTooManyOperations, StatusBadTcpServerTooBusy, StatusBadServerTooBusy, StatusBadResourceUnavailable,
		StatusBadNoCommunication:
		return ErrorClassTransient
	case StatusBadSessionIdInvalid, StatusBadSessionClosed, StatusBadSessionNotActivated,
		StatusBadSecureChannelIdInvalid, StatusBadSecureChannelClosed, StatusBadServerHalted,
		StatusBadShutdown:
		return ErrorClassSession
	case StatusBadSecurityChecksFailed, StatusBadCertificateInvalid, StatusBadIdentityTokenInvalid,
		StatusBadIdentityTokenRejected, StatusBadUserAccessDenied:
		return ErrorClassSecurity
	case StatusBadTooManyPublishRequests, StatusBadNoSubscription, StatusBadMessageNotAvailable,
		StatusBadSubscriptionIdInvalid, StatusBadEncodingLimitsExceeded, StatusBadSequenceNumberUnknown,
		StatusBadServiceUnsupported, StatusBadNothingToDo:
		return ErrorClassProtocol
	}
	return ErrorClassUnknown
}
