// Package mqttbridge gives the replica an MQTT surface.
//
// The bridge subscribes to the device store's change feed and republishes
// the full device document, retained, on {prefix}/device/{id}/state. A
// subscriber connecting late receives the current document immediately from
// the broker instead of waiting for the next change. Snapshot changes
// trigger a full republish and clear the retained documents of devices the
// hub no longer reports.
//
// Writes flow the other way on {prefix}/device/{id}/set: payloads are JSON
// property maps, the same shape the REST API accepts, and feed the
// optimistic write coordinator. The set and state topics are distinct, so
// the echo of an accepted write never loops back into the bridge.
//
// The bridge is optional. It is only constructed when MQTT is enabled in
// the config, and the rest of the mirror does not know it exists.
package mqttbridge
