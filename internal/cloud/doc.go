// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the HTTP transport for chat turns.
//
// A Client posts the outbound request as JSON to /api/chat and decodes the
// response, a Server-Sent Events stream with one JSON event per data line,
// ending with "data: [DONE]". Requests are rate limited with
// golang.org/x/time/rate. Inference requests are never retried.
//
// # Key Types
//
//   - Client: stream.Transport over HTTP
//   - SSEReader: Server-Sent Events parser
//   - APIError: Non-200 response with the endpoint's message
//   - StreamError: Failure after streaming started, with the partial text
//
// # Usage
//
//	client := cloud.NewClient("http://localhost:8787", cloud.WithRateLimit(2, 1))
//	conv := stream.New(id, history, store, client)
package cloud
