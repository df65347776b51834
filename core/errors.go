package core

import (
	"errors"
	"fmt"

	"github.com/searchktools/fast-exchange/core/http"
	"github.com/valyala/fasthttp"
)

// DefaultErrorHandler writes a short plain-text explanation of the status
type DefaultErrorHandler struct{}

func (DefaultErrorHandler) OnError(req *http.Request, resp *http.Response, err error) error {
	resp.SetContentType("text/plain; charset=utf-8")

	switch {
	case resp.Status() == fasthttp.StatusNotFound:
		_, werr := resp.WriteString(notFoundMessage)
		return werr
	case err != nil:
		_, werr := resp.Printf("%s was thrown while processing this request. See logs for more details.",
			ErrorTypeName(err))
		return werr
	default:
		_, werr := resp.Printf("Request could not be processed. Status code: %d", resp.Status())
		return werr
	}
}

const notFoundMessage = "The requested URL was not found."

// ErrorTypeName names the dynamic type behind err. For a recovered panic
// it is the type of the panic value.
func ErrorTypeName(err error) string {
	var pe *http.PanicError
	if errors.As(err, &pe) {
		return fmt.Sprintf("%T", pe.Value)
	}
	return fmt.Sprintf("%T", err)
}
