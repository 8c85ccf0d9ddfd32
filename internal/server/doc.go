// Package server implements the real-time messaging core of HiveChat: the
// connection hub, per-connection pumps, the inbound message router, and the
// HTTP/WebSocket surface that fronts them.
//
// A connection's life is: upgrade, token validation, registration with the
// hub, then one read pump and one write pump until disconnect. Every
// accepted message is durably persisted before it is delivered to any live
// recipient connection or acknowledged to its sender.
package server
