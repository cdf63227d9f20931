// Package mcp exposes the memory coordinator as MCP tools.
//
// Tools: memory_store, memory_recommend, memory_link, memory_feedback and
// memory_forget. Embeddings are supplied by the client; the server never
// computes them. Core errors are returned as tool errors (IsError results),
// not protocol errors.
package mcp
