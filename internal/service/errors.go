package service

import "errors"

// 业务层通用错误，handler 与 websocket 会话根据错误类型映射到 HTTP 状态码或 error 事件。
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrAuthorization  = errors.New("not a conversation participant")
	ErrValidation     = errors.New("invalid request")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrNotFound       = errors.New("not found")

	ErrSelfConversation   = errors.New("cannot start a conversation on your own listing")
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Reason 返回错误的机器可读原因，客户端据此展示冷却提示等。
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrInvalidCredentials):
		return "unauthenticated"
	case errors.Is(err, ErrAuthorization):
		return "forbidden"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrSelfConversation):
		return "invalid"
	case errors.Is(err, ErrUsernameTaken):
		return "conflict"
	}
	return "internal"
}

// PublicMessage 返回可以展示给客户端的错误信息，内部错误不外泄细节。
func PublicMessage(err error) string {
	if Reason(err) == "internal" {
		return "internal error"
	}
	return err.Error()
}
