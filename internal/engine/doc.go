// Package engine defines the media-engine collaborator surface consumed
// by the session layer: workers, routers, transports, producers and
// consumers, plus the parameter vocabulary exchanged over signaling.
package engine
