// Package mqtt owns the broker connection for hampbridge and exposes
// the publish/subscribe transport the device mirrors consume.
//
// The client uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a retained "online" birth message to the bridge
// availability topic and re-subscribes every registered topic filter.
// A will message ensures the availability topic transitions to
// "offline" on unexpected disconnects.
//
// Inbound messages pass through a rate limiter before being routed to
// the per-topic handler registered by Subscribe, so a misbehaving
// agent flooding its state topic cannot starve the process.
package mqtt
