// Package server hosts the Fiber HTTP service that fronts the worker: the
// request-id/recover middleware chain, the catch-all interceptor that turns
// every non-diagnostic request into a fetch event, and the helpers shared by
// the /-/ diagnostic routes. Keep exports narrow and accept explicit
// dependencies so tests can inject fakes.
package server
