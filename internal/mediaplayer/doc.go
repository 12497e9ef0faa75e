// Package mediaplayer mirrors HASS.Agent media-player devices over
// MQTT. Each physical agent gets one [Mirror]: the agent publishes
// periodic state snapshots and a thumbnail image on its own topics,
// the mirror merges them into local state, and player commands issued
// against the mirror are translated into messages on the agent's
// command topic.
//
// Inbound snapshot handling and outbound optimistic updates both run
// on arbitrary goroutines (paho receive loop, HTTP handlers), so the
// mirror record is guarded by a mutex; every read-modify-write holds
// it for the full sequence.
//
// Mirror state is ephemeral. Nothing is persisted: after a restart the
// mirror is rebuilt from the next inbound snapshot, and a mirror whose
// agent has gone quiet for 5 seconds reports itself unavailable.
package mediaplayer
