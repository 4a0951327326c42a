// Package pionengine implements the engine interfaces on pion's ORTC
// API. Workers carve disjoint UDP port slices out of the configured RTC
// range, routers keep the codec table and producer registry, and
// transports bundle an ICE/DTLS/SCTP stack per client.
package pionengine
