// Package api defines the wire types of the GuardFlow HTTP API.
//
// # API Overview
//
// GuardFlow exposes the moderation pipeline over HTTP:
//   - POST /api/v1/text/chunk splits text with a chunking strategy
//   - POST /api/v2/text/detection/content runs detectors over content
//   - POST /api/v2/chat/completions-detection moderates a chat completion
//     in both directions
//   - GET /api/v1/detectors lists the detector registry
//   - GET /api/v1/audit/events lists recorded moderation events
//   - GET /health, /healthz, /ready and /version
//
// A violation is a normal 200 response. Errors use the envelope
//
//	{"success": false, "error": {"code": "...", "message": "..."}, "timestamp": "..."}
//
// # Authentication
//
// When auth.mode is api_key, requests carry the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// When auth.mode is jwt, requests carry a bearer token:
//
//	Authorization: Bearer <token>
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8033
//
// Prometheus metrics are served on a separate port (9090 by default).
package api
