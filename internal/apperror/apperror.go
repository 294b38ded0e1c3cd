// Package apperror defines the bridge's error-code enumeration and the single
// conversion function RPC handlers use to turn any error into the wire
// envelope { "error": ..., "detail": ..., "errorCode": ... }.
package apperror

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code enumerates every errorCode the bridge can surface to a caller.
type Code string

const (
	InitializationFailed         Code = "initializationFailed"
	NotInitialized               Code = "notInitialized"
	BadRequest                   Code = "badRequest"
	AlreadyJoined                Code = "alreadyJoined"
	InvalidInvoice               Code = "invalidInvoice"
	InvalidMnemonic              Code = "invalidMnemonic"
	EcashCancelFailed            Code = "ecashCancelFailed"
	Panic                        Code = "panic"
	InvalidSocialRecoveryFile    Code = "invalidSocialRecoveryFile"
	InsufficientBalance          Code = "insufficientBalance"
	MatrixNotInitialized         Code = "matrixNotInitialized"
	UnknownObservable            Code = "unknownObservable"
	DuplicateObservableID        Code = "duplicateObservableId"
	Timeout                      Code = "timeout"
	Recovery                     Code = "recovery"
	InvalidJSON                  Code = "invalidJson"
	UnsupportedCommunityVersion  Code = "unsupportedCommunityVersion"
	PayLnInvoiceAlreadyPaid      Code = "payLnInvoiceAlreadyPaid"
	PayLnInvoiceAlreadyInProgress Code = "payLnInvoiceAlreadyInProgress"
	NoLnGatewayAvailable         Code = "noLnGatewayAvailable"
	ModuleNotFound               Code = "moduleNotFound"
	FederationPendingRejoinFromScratch Code = "federationPendingRejoinFromScratch"
	InvalidMsEvent               Code = "invalidMsEvent"
	RecurringdMetaNotFound       Code = "recurringdMetaNotFound"
	UnknownFederation            Code = "unknownFederation"
	OfflineExactEcashFailed      Code = "offlineExactEcashFailed"
	CommunityDeleted             Code = "communityDeleted"
)

// Error is the typed error carried through the bridge. Background services
// inspect Code to decide whether a failure is transient or structural;
// RPC handlers translate it directly into the wire envelope.
type Error struct {
	Code    Code
	Detail  string
	Payload map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error with no wrapped cause.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Wrap attaches a code to an existing error, preserving it for errors.Is/As.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return &Error{Code: code}
	}
	return &Error{Code: code, Detail: err.Error(), cause: err}
}

// WithPayload attaches variant-specific fields, e.g. InsufficientBalance's
// max_spendable_amount or UnsupportedCommunityVersion's n.
func (e *Error) WithPayload(kv map[string]any) *Error {
	e.Payload = kv
	return e
}

// Envelope is the JSON document returned to RPC callers on failure.
type Envelope struct {
	Error     string         `json:"error"`
	Detail    string         `json:"detail"`
	ErrorCode Code           `json:"errorCode,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ToEnvelope converts any error into the wire envelope; it is the single
// conversion point for every RPC failure. Unrecognized errors surface
// without an errorCode.
func ToEnvelope(err error) Envelope {
	if err == nil {
		return Envelope{}
	}
	var ae *Error
	if errors.As(err, &ae) {
		return Envelope{
			Error:     string(ae.Code),
			Detail:    ae.Detail,
			ErrorCode: ae.Code,
			Payload:   ae.Payload,
		}
	}
	return Envelope{Error: "internal", Detail: err.Error()}
}

// MarshalRPCError is a convenience wrapper producing the JSON body an RPC
// transport (see internal/rpc) writes on failure.
func MarshalRPCError(err error) []byte {
	body, marshalErr := json.Marshal(ToEnvelope(err))
	if marshalErr != nil {
		return []byte(`{"error":"internal","detail":"failed to marshal error"}`)
	}
	return body
}

// FromPanic converts a recovered panic value into a Panic-coded *Error at
// the RPC-handler panic boundary.
func FromPanic(v any) *Error {
	return &Error{Code: Panic, Detail: fmt.Sprintf("%v", v)}
}
