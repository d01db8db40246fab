/*
Package proxy implements the gateway's REST API.

Endpoints:

	GET  /                 liveness, plain text "OK"
	GET  /health, /check   session diagnostics, never authenticated
	GET  /metrics          Prometheus metrics
	POST /wake             initialize the session if it is not ready
	POST /reinitialize     log in again and re-select the vehicle (API key)
	POST /lock, /unlock, /start, /stop
	GET  /status

Action endpoints require the [APIKeyHeader] header and a ready session. Replies are JSON objects
of the form {"ok":true,"result":...} or {"ok":false,"error":"..."}.

POST /start accepts an optional body:

	{"temperature": 21, "duration": 10, "defrost": false, "heating": true}
*/
package proxy
