// Package mqtt provides the MQTT client for the mirror's optional local
// fanout bus.
//
// This package manages:
//   - Connection to a local broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The hub's push channel and REST API stay remote; MQTT is a purely
// local surface that republishes the replica for automations (Node-RED,
// Home Assistant, custom scripts) and accepts writes from them.
//
//	Hub ↔ hubmirror ↔ MQTT Broker ↔ Local Automations
//
// Topic scheme (prefix configurable, default "hubmirror"):
//
//	hubmirror/device/{id}/state   retained device documents (outbound)
//	hubmirror/device/{id}/set     property writes (inbound)
//	hubmirror/status              mirror availability, LWT registered here
//
// Device identifiers may contain "/", so they ride in topics with the
// separator escaped. EncodeDeviceID and ParseDeviceSet handle this.
//
// # Security Considerations
//
//   - TLS is required when the broker is not on localhost (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix}
//
//	// Accept device writes from local automations
//	err = client.Subscribe(topics.AllDeviceSets(), 1,
//	    func(topic string, payload []byte) error {
//	        id, err := topics.ParseDeviceSet(topic)
//	        ...
//	    })
//
//	// Republish a device document
//	client.PublishRetained(topics.DeviceState("light-office"), doc)
package mqtt
