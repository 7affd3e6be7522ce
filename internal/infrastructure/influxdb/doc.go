// Package influxdb mirrors cryostat samples into InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, non-blocking batched writes and health monitoring. Every
// monitor tick produces one point per enabled input (tagged by label and
// channel) and one per active heater (tagged by heater id and range).
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteInputReading("sampleA", "A", 0, 77.3, 1234.5, tick)
//
// InfluxDB is optional. Connect returns ErrDisabled when it is switched off
// in the configuration, and write failures are reported through SetOnError
// without affecting sampling.
package influxdb
