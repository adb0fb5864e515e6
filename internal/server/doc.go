// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP inference endpoint and the session API.
//
// Endpoints:
//   - POST   /api/chat                                  - stream a reply as server-sent events
//   - GET    /api/models                                - list selectable models
//   - GET    /health                                    - health check
//   - GET    /stats                                     - usage statistics
//   - GET    /api/sessions[?q=]                         - list or search sessions
//   - POST   /api/sessions                              - allocate a session id
//   - DELETE /api/sessions                              - remove every session
//   - GET    /api/sessions/{id}                         - in-memory state
//   - DELETE /api/sessions/{id}                         - remove one session
//   - POST   /api/sessions/{id}/messages                - send a message
//   - DELETE /api/sessions/{id}/messages/{messageID}    - delete one message
//   - POST   /api/sessions/{id}/stop                    - stop the reply in flight
//   - POST   /api/sessions/{id}/regenerate              - regenerate the last reply
//   - GET    /api/sessions/{id}/events                  - snapshot and change events
//   - GET    /api/sessions/{id}/export?format=          - download markdown, json or yaml
//
// The session routes are mounted only when a session.Manager is attached.
//
// # Key Types
//
//   - Server: routes, middleware stack and lifecycle
//   - Config: listen address, rate limit and CORS origins
//   - RateLimiter: per-client token buckets
//
// # Usage
//
//	srv := server.NewServer(server.DefaultConfig(), transport, model.Builtin).
//	    WithSessions(mgr)
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
