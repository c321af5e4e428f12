// Package mqtt mirrors the agent's presence and operational events to
// an MQTT broker.
//
// Three topic families hang off the configured prefix (default "muxi"):
//
//   - {prefix}/availability carries "online"/"offline", retained, with
//     a broker will message covering unclean disconnects.
//   - {prefix}/status carries a retained JSON identity payload (build
//     info plus the persistent instance id), refreshed on every
//     reconnect.
//   - {prefix}/event/{kind} carries one JSON message per bus event
//     (request.start, tool.call, tool.done, request.complete,
//     server.connect, server.disconnect), QoS 0 and not retained.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package,
// which reconnects with backoff on its own. The publisher is optional:
// when mqtt.enabled is false in the config the package is never
// started.
package mqtt
