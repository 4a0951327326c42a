// Package signal runs the WebSocket signaling server: it routes client
// events to room operations, broadcasts membership changes, and bridges
// broadcasts across instances through the fanout bus.
package signal
