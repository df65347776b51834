// Package handlers holds reusable building blocks for exchange handlers.
package handlers

import (
	"github.com/searchktools/fast-exchange/core/http"
)

// Base implements the lifecycle callbacks as no-ops. Embed it and define
// OnRequest.
type Base struct{}

func (Base) OnAbort(*http.Request, *http.Response)            {}
func (Base) OnException(*http.Request, *http.Response, error) {}
func (Base) OnComplete(*http.Request, *http.Response)         {}

// Callbacks lets plain functions observe an exchange's end. Nil fields are
// skipped.
type Callbacks struct {
	Request   http.HandlerFunc
	Abort     func(req *http.Request, resp *http.Response)
	Exception func(req *http.Request, resp *http.Response, err error)
	Complete  func(req *http.Request, resp *http.Response)
}

func (c *Callbacks) OnRequest(req *http.Request, resp *http.Response) error {
	if c.Request == nil {
		return nil
	}
	return c.Request(req, resp)
}

func (c *Callbacks) OnAbort(req *http.Request, resp *http.Response) {
	if c.Abort != nil {
		c.Abort(req, resp)
	}
}

func (c *Callbacks) OnException(req *http.Request, resp *http.Response, err error) {
	if c.Exception != nil {
		c.Exception(req, resp, err)
	}
}

func (c *Callbacks) OnComplete(req *http.Request, resp *http.Response) {
	if c.Complete != nil {
		c.Complete(req, resp)
	}
}
