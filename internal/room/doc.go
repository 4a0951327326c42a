// Package room tracks media sessions: which transports, producers and
// consumers exist per room, who owns them, and how they tear down when
// their transport or producer goes away.
package room
