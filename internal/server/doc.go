// Package server hosts the Fiber HTTP service, the request middleware chain
// (request id, rate limiting, redirection rules) and the module router that
// maps Host + path prefix to a module handler. The response itself is written
// by an injected Responder so the pipeline can be swapped in tests.
package server
