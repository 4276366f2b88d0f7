// Package mqtt forwards execution engine events to an MQTT broker and
// accepts interrupt commands from it.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. Every bus event
// is published as JSON on <prefix>/events/<kind>. The latest turn
// outcome of each conversation is retained on
// <prefix>/conversations/<id>/status, so a dashboard that connects late
// still sees it. A will message flips <prefix>/availability to
// "offline" on unexpected disconnects.
//
// Publishing an empty payload to <prefix>/conversations/<id>/interrupt
// requests an interrupt for that conversation. Inbound commands are
// rate limited.
package mqtt
