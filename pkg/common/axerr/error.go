// Copyright 2022 Axion Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package axerr

import (
	"context"
	"fmt"
	"io"
)

const (
	// 0 - 99 is OK.  They do not contain any error information,
	// and only signal different success conditions.
	Ok uint16 = 0
	// OkExpectedEOS is reported by streaming style loops that ran off
	// the end of their input where running off the end is the normal
	// way of stopping.
	OkExpectedEOS uint16 = 1
	OkMax         uint16 = 99

	// Group 1: internal errors
	ErrStart            uint16 = 20100
	ErrInternal         uint16 = 20101
	ErrNYI              uint16 = 20102
	ErrOOM              uint16 = 20103
	ErrQueryInterrupted uint16 = 20104
	ErrNotSupported     uint16 = 20105

	// Group 2: numeric and functions
	ErrInvalidArg uint16 = 20200
	ErrOutOfRange uint16 = 20201

	// Group 3: invalid input
	ErrBadConfig    uint16 = 20300
	ErrInvalidInput uint16 = 20301

	// Group 4: unexpected state
	ErrInvalidState  uint16 = 20400
	ErrUnexpectedEOF uint16 = 20401

	// Group 6: executor
	ErrExchangeClosed      uint16 = 20600
	ErrExchangeCancelled   uint16 = 20601
	ErrPartitionOutOfRange uint16 = 20602
	ErrBadBucketTable      uint16 = 20603
	ErrSchemaMismatch      uint16 = 20604

	// ErrEnd, the max value of AxErrorCode
	ErrEnd uint16 = 65535
)

type axErrorMsgItem struct {
	sqlStates        []string
	errorMsgOrFormat string
}

var errorMsgRefer = map[uint16]axErrorMsgItem{
	// OK code not in this table.  They are not errors and should not
	// leak back to a client.

	// Group 1: internal errors
	ErrStart:            {[]string{DefaultSqlState}, "internal error: error code start"},
	ErrInternal:         {[]string{DefaultSqlState}, "internal error: %s"},
	ErrNYI:              {[]string{DefaultSqlState}, "%s is not yet implemented"},
	ErrOOM:              {[]string{DefaultSqlState}, "error: out of memory"},
	ErrQueryInterrupted: {[]string{DefaultSqlState}, "query interrupted"},
	ErrNotSupported:     {[]string{DefaultSqlState}, "not supported: %s"},

	// Group 2: numeric and functions
	ErrInvalidArg: {[]string{DefaultSqlState}, "invalid argument %s, bad value %s"},
	ErrOutOfRange: {[]string{DefaultSqlState}, "data out of range: %s"},

	// Group 3: invalid input
	ErrBadConfig:    {[]string{DefaultSqlState}, "invalid configuration: %s"},
	ErrInvalidInput: {[]string{DefaultSqlState}, "invalid input: %s"},

	// Group 4: unexpected state
	ErrInvalidState:  {[]string{DefaultSqlState}, "invalid state %s"},
	ErrUnexpectedEOF: {[]string{DefaultSqlState}, "unexpected end of %s"},

	// Group 6: executor
	ErrExchangeClosed:      {[]string{DefaultSqlState}, "local exchange has been closed"},
	ErrExchangeCancelled:   {[]string{DefaultSqlState}, "local exchange cancelled: %s"},
	ErrPartitionOutOfRange: {[]string{DefaultSqlState}, "partition index %d out of range [0, %d)"},
	ErrBadBucketTable:      {[]string{DefaultSqlState}, "bad bucket table: %s"},
	ErrSchemaMismatch:      {[]string{DefaultSqlState}, "batch schema mismatch: %s"},
}

// DefaultSqlState is the catch-all sqlstate of engine errors that do
// not map to a more specific standard state.
const DefaultSqlState = "HY000"

func newError(ctx context.Context, code uint16, args ...any) *Error {
	var err *Error
	item, has := errorMsgRefer[code]
	if !has {
		panic(NewInternalError(ctx, "not exist AxErrorCode: %d", code))
	}
	if len(args) == 0 {
		err = &Error{
			code:     code,
			message:  item.errorMsgOrFormat,
			sqlState: item.sqlStates[0],
		}
	} else {
		err = &Error{
			code:     code,
			message:  fmt.Sprintf(item.errorMsgOrFormat, args...),
			sqlState: item.sqlStates[0],
		}
	}
	return err
}

type Error struct {
	code     uint16
	message  string
	sqlState string
	detail   string
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) Detail() string {
	return e.detail
}

func (e *Error) Display() string {
	if len(e.detail) == 0 {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.detail)
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

func (e *Error) SqlState() string {
	return e.sqlState
}

func (e *Error) Succeeded() bool {
	return e.code < OkMax
}

// WithDetail returns a copy of e carrying extra free-form detail that
// Display appends after the registered message.
func (e *Error) WithDetail(detail string) *Error {
	ne := *e
	ne.detail = detail
	return &ne
}

func IsAxErrCode(e error, rc uint16) bool {
	if e == nil {
		return rc == Ok
	}
	me, ok := e.(*Error)
	if !ok {
		// This is not an axerr.
		return false
	}
	return me.code == rc
}

func DowncastError(e error) *Error {
	if err, ok := e.(*Error); ok {
		return err
	}
	return newError(Context(), ErrInternal, "downcast error failed: %v", e)
}

// ConvertPanicError converts a runtime panic to an internal error.
func ConvertPanicError(ctx context.Context, v interface{}) *Error {
	if e, ok := v.(*Error); ok {
		return e
	}
	return newError(ctx, ErrInternal, fmt.Sprintf("panic %v", v))
}

// ConvertGoError converts a go error into an engine error.
// Note here we must return error, because nil error
// is not the same as nil *Error -- Go strangeness.
func ConvertGoError(ctx context.Context, err error) error {
	// nil is nil
	if err == nil {
		return err
	}

	// already an axerr, return it as is
	if _, ok := err.(*Error); ok {
		return err
	}

	// Convert a few well known go errors.
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// if io.EOF reaches here, we believe it is not expected.
		return NewUnexpectedEOF(ctx, err.Error())
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return NewQueryInterrupted(ctx)
	}

	return NewInternalError(ctx, "convert go error to ax error %v", err)
}

// Context returns the background context every NoCtx constructor uses.
func Context() context.Context {
	return context.Background()
}

func NewInternalError(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInternal, xmsg)
}

func NewInternalErrorNoCtx(msg string, args ...any) *Error {
	return NewInternalError(Context(), msg, args...)
}

func NewNYI(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrNYI, xmsg)
}

func NewNYINoCtx(msg string, args ...any) *Error {
	return NewNYI(Context(), msg, args...)
}

func NewOOM(ctx context.Context) *Error {
	return newError(ctx, ErrOOM)
}

func NewOOMNoCtx() *Error {
	return NewOOM(Context())
}

func NewQueryInterrupted(ctx context.Context) *Error {
	return newError(ctx, ErrQueryInterrupted)
}

func NewNotSupported(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrNotSupported, xmsg)
}

func NewNotSupportedNoCtx(msg string, args ...any) *Error {
	return NewNotSupported(Context(), msg, args...)
}

func NewInvalidArg(ctx context.Context, arg string, val any) *Error {
	return newError(ctx, ErrInvalidArg, arg, fmt.Sprintf("%v", val))
}

func NewInvalidArgNoCtx(arg string, val any) *Error {
	return NewInvalidArg(Context(), arg, val)
}

func NewOutOfRange(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrOutOfRange, xmsg)
}

func NewOutOfRangeNoCtx(msg string, args ...any) *Error {
	return NewOutOfRange(Context(), msg, args...)
}

func NewBadConfig(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrBadConfig, xmsg)
}

func NewBadConfigNoCtx(msg string, args ...any) *Error {
	return NewBadConfig(Context(), msg, args...)
}

func NewInvalidInput(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidInput, xmsg)
}

func NewInvalidInputNoCtx(msg string, args ...any) *Error {
	return NewInvalidInput(Context(), msg, args...)
}

func NewInvalidState(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidState, xmsg)
}

func NewInvalidStateNoCtx(msg string, args ...any) *Error {
	return NewInvalidState(Context(), msg, args...)
}

func NewUnexpectedEOF(ctx context.Context, msg string) *Error {
	return newError(ctx, ErrUnexpectedEOF, msg)
}

func NewExchangeClosed(ctx context.Context) *Error {
	return newError(ctx, ErrExchangeClosed)
}

func NewExchangeClosedNoCtx() *Error {
	return NewExchangeClosed(Context())
}

func NewExchangeCancelled(ctx context.Context, reason string) *Error {
	return newError(ctx, ErrExchangeCancelled, reason)
}

func NewExchangeCancelledNoCtx(reason string) *Error {
	return NewExchangeCancelled(Context(), reason)
}

func NewPartitionOutOfRange(ctx context.Context, idx int, cnt int) *Error {
	return newError(ctx, ErrPartitionOutOfRange, idx, cnt)
}

func NewPartitionOutOfRangeNoCtx(idx int, cnt int) *Error {
	return NewPartitionOutOfRange(Context(), idx, cnt)
}

func NewBadBucketTable(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrBadBucketTable, xmsg)
}

func NewBadBucketTableNoCtx(msg string, args ...any) *Error {
	return NewBadBucketTable(Context(), msg, args...)
}

func NewSchemaMismatch(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrSchemaMismatch, xmsg)
}

func NewSchemaMismatchNoCtx(msg string, args ...any) *Error {
	return NewSchemaMismatch(Context(), msg, args...)
}
