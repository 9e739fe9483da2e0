// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteUnauthorized(w, "invalid credentials")
//	httputil.WriteServiceUnavailable(w, "temporarily unavailable")
//
// Error bodies are always {"error": "<generic message>"}.
//
// # Request Parsing
//
//	var req loginRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
//	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
//
// # Middleware
//
// RequestIDMiddleware stores a request ID and the client IP in the context;
// LoggingMiddleware writes one logrus line per request.
package httputil
