// Package influxdb records plug telemetry in InfluxDB v2.
//
// It wraps influxdb-client-go with a batched, non-blocking write API.
// Every registry change produces one plug_power point per plug:
//
//	plug_power,address=accf23000001,name=Porch powered=true,online=true
//
// Write errors are delivered asynchronously through SetOnError.
// Connection and health check errors are returned directly.
package influxdb
