// Package httputil provides JSON response helpers, request parsing and the
// request-id and access-log middleware shared by the HTTP handlers.
//
// Every error answer has the shape {"error": "..."}:
//
//	httputil.WriteUnauthorized(w, "invalid password")
package httputil
