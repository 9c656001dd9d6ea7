package httputil

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// APIResponse is the unified response format for the registry API.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Count   *int        `json:"count,omitempty"`
}

// JSONData sends a success response carrying data.
func JSONData(ctx *fasthttp.RequestCtx, data interface{}, statusCode int) {
	write(ctx, APIResponse{Success: true, Data: data}, statusCode)
}

// JSONList sends a success response carrying a list plus its count.
func JSONList(ctx *fasthttp.RequestCtx, data interface{}, count int, statusCode int) {
	write(ctx, APIResponse{Success: true, Data: data, Count: &count}, statusCode)
}

// JSONError sends a failure response with an error message.
func JSONError(ctx *fasthttp.RequestCtx, message string, statusCode int) {
	write(ctx, APIResponse{Success: false, Error: message}, statusCode)
}

func write(ctx *fasthttp.RequestCtx, resp APIResponse, statusCode int) {
	body, _ := json.Marshal(resp)
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
