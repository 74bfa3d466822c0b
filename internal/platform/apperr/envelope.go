package apperr

import (
	"github.com/labstack/echo/v4"
)

// Envelope is the result shape of every inbound operation.
type Envelope struct {
	Success bool                   `json:"success"`
	Data    interface{}            `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func OK(data interface{}) Envelope {
	return Envelope{Success: true, Data: data}
}

func Fail(err error) Envelope {
	ae := From(err)
	env := Envelope{Success: false, Error: ae.Public()}
	if ae.Kind != KindInternal {
		env.Details = ae.Details
	}
	return env
}

// Respond writes data or err as an Envelope with the matching status code.
func Respond(c echo.Context, status int, data interface{}, err error) error {
	if err != nil {
		return c.JSON(HTTPStatus(KindOf(err)), Fail(err))
	}
	return c.JSON(status, OK(data))
}

// HTTPErrorHandler renders errors that escape handlers (binding failures,
// unknown routes, middleware rejections) in the same envelope.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var (
		status = HTTPStatus(KindOf(err))
		env    = Fail(err)
	)
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		env = Envelope{Success: false, Error: httpErrorMessage(he)}
	}
	if c.Request().Method == "HEAD" {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, env)
}

func httpErrorMessage(he *echo.HTTPError) string {
	if he.Code >= 500 {
		return MsgInternal
	}
	if msg, ok := he.Message.(string); ok {
		return msg
	}
	return "Request failed"
}
