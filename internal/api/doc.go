// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api is the REST client for the accounting assistant backend.
//
// It covers conversation management, feedback, the non-streaming query
// endpoint and service information. Streaming queries go through the
// transport and stream packages instead.
//
// # Key Types
//
//   - Client: bearer-authenticated JSON client with retry for idempotent reads
//   - ServerConversation: a conversation as stored by the backend
//   - MessageIDs: ids returned when a message is stored
//   - APIError: a non-2xx response with the server's detail message
//
// # Usage
//
//	client := api.New(cfg.API.BaseURL, tokens).WithTimeout(cfg.APITimeout())
//	convs, err := client.ListConversations(ctx)
//	if errors.Is(err, api.ErrUnauthorized) {
//	    // token expired
//	}
package api
