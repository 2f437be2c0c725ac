package sandbox

import (
	"net/http"
	"strings"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/httpclient"
)

// fetch implements a buffered subset of the WHATWG fetch: method, headers
// and a string body in, a response with text() and json() out.
func (r *Runtime) fetch(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := vm.NewPromise()

		req := httpclient.Request{
			Method:  http.MethodGet,
			URL:     call.Argument(0).String(),
			Headers: map[string]string{},
		}
		if init, ok := call.Argument(1).(*goja.Object); ok {
			if m := init.Get("method"); m != nil && !goja.IsUndefined(m) {
				req.Method = strings.ToUpper(m.String())
			}
			if h, ok := init.Get("headers").(*goja.Object); ok {
				for _, k := range h.Keys() {
					req.Headers[k] = h.Get(k).String()
				}
			}
			if b := init.Get("body"); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
				req.Body = []byte(b.String())
			}
		}

		go func() {
			resp, err := r.client.Do(r.ctx, req)
			r.loop.RunOnLoop(func(vm *goja.Runtime) {
				if err != nil {
					reject(vm.NewTypeError("fetch failed: %v", err))
					return
				}
				resolve(r.response(vm, resp))
			})
		}()

		return vm.ToValue(promise)
	}
}

func (r *Runtime) response(vm *goja.Runtime, resp *httpclient.Response) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("ok", resp.OK())
	_ = obj.Set("status", resp.Status)
	_ = obj.Set("statusText", resp.StatusText)
	_ = obj.Set("url", resp.URL)

	headers := vm.NewObject()
	_ = headers.Set("get", func(name string) goja.Value {
		if v, ok := resp.Headers[http.CanonicalHeaderKey(name)]; ok {
			return vm.ToValue(v)
		}
		return goja.Null()
	})
	_ = obj.Set("headers", headers)

	body := string(resp.Body)
	_ = obj.Set("text", func() goja.Value {
		p, resolve, _ := vm.NewPromise()
		resolve(body)
		return vm.ToValue(p)
	})
	_ = obj.Set("json", func() goja.Value {
		p, resolve, reject := vm.NewPromise()
		v, err := r.jsonParse(goja.Undefined(), vm.ToValue(body))
		if ex, ok := err.(*goja.Exception); ok {
			reject(ex.Value())
		} else if err != nil {
			reject(vm.NewGoError(err))
		} else {
			resolve(v)
		}
		return vm.ToValue(p)
	})
	return obj
}
