// Package server hosts the Fiber HTTP service and its request middleware chain.
// Every request receives an X-Request-ID; paths under /-/ belong to the control
// surface registered by the routes package, and every other path is handed to
// the injected ProxyHandler, which serves it through the offline cache engine.
// Keep exports narrow and accept explicit dependencies so tests can inject fakes.
package server
