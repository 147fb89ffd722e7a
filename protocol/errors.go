package protocol

import (
	"errors"
	"fmt"
)

// Code 发给客户端的错误码
type Code string

const (
	CodeInvalidJSON        Code = "INVALID_JSON"
	CodeInvalidPayload     Code = "INVALID_PAYLOAD"
	CodeUnknownMessageType Code = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeRoomMismatch       Code = "ROOM_MISMATCH"
	CodeWorldNotFound      Code = "WORLD_NOT_FOUND"
	CodeWorldSeedMismatch  Code = "WORLD_SEED_MISMATCH"
	CodeRoomJoinFailed     Code = "ROOM_JOIN_FAILED"
	CodeAlreadyInRoom      Code = "ALREADY_IN_ROOM"
	CodeRoomFull           Code = "ROOM_FULL"
	CodeNotInRoom          Code = "NOT_IN_ROOM"
	CodeInputError         Code = "INPUT_ERROR"
	CodeWorldCrashed       Code = "WORLD_CRASHED"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Error 带错误码的协议错误，处理器返回它即可回报给客户端
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewError 构造协议错误
func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Errorf 构造带格式化信息的协议错误
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf 提取错误码；非协议错误归为 INTERNAL_ERROR
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}

// ToPayload 把任意错误转换为 error 消息载荷
func ToPayload(err error) ErrorPayload {
	var pe *Error
	if errors.As(err, &pe) {
		return ErrorPayload{ErrorCode: pe.Code, Message: pe.Message}
	}
	return ErrorPayload{ErrorCode: CodeInternal, Message: err.Error()}
}
