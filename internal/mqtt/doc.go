// Package mqtt forwards orchestration events to an MQTT broker.
//
// Every bus event is published as JSON to
// <base_topic>/events/<source>/<kind>. A retained availability topic
// reports "online" while connected and a will message flips it to
// "offline" on unexpected disconnects. A retained stats topic carries
// daily token and request totals, refreshed on an interval.
//
// When enabled, the publisher also subscribes to
// <base_topic>/learnings/add and records each JSON payload as a global
// learning, so operators can teach the agent from any MQTT client.
//
// Connection management uses Eclipse Paho v2's [autopaho] package,
// which reconnects automatically and re-runs the on-connect hook.
package mqtt
