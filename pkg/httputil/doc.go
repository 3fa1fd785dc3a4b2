// Package httputil holds the JSON response helpers, request parsing and
// middleware shared by the HTTP handlers.
//
// Errors are always written as {"error": "..."}:
//
//	httputil.WriteBadRequest(w, "plan_id is required")
//
// Request bodies are decoded strictly; unknown fields are a 400:
//
//	var req changePlanRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// Middleware composes with Chain:
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.LoggingMiddleware,
//		httputil.TimeoutMiddleware(30*time.Second),
//	)
package httputil
