// Package mqtt publishes daemon telemetry to an MQTT broker.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS guarantees and payload limits
//   - Last Will and Testament (LWT) for offline detection
//   - The topic hierarchy under a configurable prefix
//
// The broker is an optional mirror: the database stays the system of record
// and a broker outage never stops sampling.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(client.Topics().Sample(), sample, false)
package mqtt
