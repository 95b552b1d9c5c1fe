package apperr

import "net/http"

// HTTPStatus maps a taxonomy code onto the HTTP status the connection layer
// returns for rejected admission (onBeforeConnect/onBeforeRequest) and
// request-addressed failures.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Timeout:
		return http.StatusGatewayTimeout
	case Downstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WebSocket close codes used when a frame-level failure requires tearing
// down the connection outright rather than replying with an rpc error.
const (
	CloseProtocolError   = 1002
	CloseUnsupportedData = 1003
	CloseInvalidPayload  = 1007
	CloseInternalError   = 1011
)

// CloseCode maps a taxonomy code onto the WebSocket close code used when the
// failure is severe enough to end the connection instead of producing an rpc
// error reply.
func CloseCode(code Code) int {
	switch code {
	case InvalidRequest:
		return CloseProtocolError
	default:
		return CloseInternalError
	}
}
