package tirion

import (
	"errors"
	"fmt"
)

// Code identifies the failure class of an *Error. The values are the result
// codes embedding code can switch on.
type Code int

const (
	OK Code = iota
	InvalidMetricCount
	SetSessionFailed
	RegionAttachFailed
	RegionDetachFailed
	KeyDerivationFailed
	RegionCreateFailed // reserved for the agent side
	InvalidMetricURL
	InvalidRegionPath
	RegionNotInitialized // reserved
	ChannelConnectFailed
	ChannelCreateFailed
	ChannelReceiveFailed
	ChannelShutdownFailed
	ChannelSendFailed
	ListenerSpawnFailed
	ListenerJoinFailed
)

var codeNames = map[Code]string{
	OK:                    "ok",
	InvalidMetricCount:    "invalid metric count",
	SetSessionFailed:      "set session failed",
	RegionAttachFailed:    "region attach failed",
	RegionDetachFailed:    "region detach failed",
	KeyDerivationFailed:   "key derivation failed",
	RegionCreateFailed:    "region create failed",
	InvalidMetricURL:      "invalid metric url",
	InvalidRegionPath:     "invalid region path",
	RegionNotInitialized:  "region not initialized",
	ChannelConnectFailed:  "channel connect failed",
	ChannelCreateFailed:   "channel create failed",
	ChannelReceiveFailed:  "channel receive failed",
	ChannelShutdownFailed: "channel shutdown failed",
	ChannelSendFailed:     "channel send failed",
	ListenerSpawnFailed:   "listener spawn failed",
	ListenerJoinFailed:    "listener join failed",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is returned by every client operation that can fail.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so the sentinel
// values below can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidMetricCount    = &Error{Code: InvalidMetricCount}
	ErrSetSessionFailed      = &Error{Code: SetSessionFailed}
	ErrRegionAttachFailed    = &Error{Code: RegionAttachFailed}
	ErrRegionDetachFailed    = &Error{Code: RegionDetachFailed}
	ErrKeyDerivationFailed   = &Error{Code: KeyDerivationFailed}
	ErrRegionCreateFailed    = &Error{Code: RegionCreateFailed}
	ErrInvalidMetricURL      = &Error{Code: InvalidMetricURL}
	ErrInvalidRegionPath     = &Error{Code: InvalidRegionPath}
	ErrRegionNotInitialized  = &Error{Code: RegionNotInitialized}
	ErrChannelConnectFailed  = &Error{Code: ChannelConnectFailed}
	ErrChannelCreateFailed   = &Error{Code: ChannelCreateFailed}
	ErrChannelReceiveFailed  = &Error{Code: ChannelReceiveFailed}
	ErrChannelShutdownFailed = &Error{Code: ChannelShutdownFailed}
	ErrChannelSendFailed     = &Error{Code: ChannelSendFailed}
	ErrListenerSpawnFailed   = &Error{Code: ListenerSpawnFailed}
	ErrListenerJoinFailed    = &Error{Code: ListenerJoinFailed}
)

func newError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain. It returns OK
// for a nil error and -1 for errors that did not come from this package.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return -1
}
