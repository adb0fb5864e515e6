// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli builds the chatcore command tree on cobra.
//
// Every command works against the configured store. serve and ask also
// build a transport: the remote endpoint when client.endpoint is set,
// otherwise Gemini in-process. Running the binary without a subcommand
// serves the HTTP API.
//
// # Key Types
//
//   - App: configuration, output streams and optional test overrides
//   - ErrUsage: wraps every malformed command line
//
// # Usage
//
//	app := cli.NewApp(nil, os.Stdout, os.Stderr)
//	if err := app.Run(ctx, os.Args[1:]); err != nil {
//	    os.Exit(1)
//	}
package cli
