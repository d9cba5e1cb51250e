// Package mqtt provides MQTT client connectivity for maxculd.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The MQTT surface is how home-automation hosts without a native client
// library talk to the driver: setpoint and wakeup commands arrive on
// command topics, device state leaves on retained status topics, and
// lifecycle events (pairing, re-pairing) are announced on event topics.
// The internal/bridges/mqtt package wires these topics to the
// connection facade; this package only moves bytes.
//
//	Home-automation host ↔ MQTT Broker ↔ maxculd bridge
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s
//   - Message throughput: far above what an 868 MHz radio can generate
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all setpoint commands
//	err = client.Subscribe(client.Topics().AllSet(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish retained device state
//	topic := client.Topics().Status("0a1b2c")
//	client.PublishRetained(topic, stateJSON)
package mqtt
