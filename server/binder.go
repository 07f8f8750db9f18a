package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Binder decodes JSON bodies with UseNumber so large integers survive
// the trip through interface{} fields. Everything else falls through
// to echo's default binding.
type Binder struct {
	defaultBinder *echo.DefaultBinder
}

func (cb *Binder) Bind(i interface{}, c echo.Context) error {
	contentType := c.Request().Header.Get(echo.HeaderContentType)

	if c.Request().ContentLength != 0 && strings.HasPrefix(contentType, echo.MIMEApplicationJSON) {
		dec := json.NewDecoder(c.Request().Body)
		dec.UseNumber()

		if err := dec.Decode(i); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return nil
	}

	return cb.defaultBinder.Bind(i, c)
}
