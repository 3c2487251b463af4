package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementPlugPower records relay state transitions and reachability.
const MeasurementPlugPower = "plug_power"

// PlugSample is one observation of a plug.
type PlugSample struct {
	Address string
	Name    string
	Powered bool
	Online  bool
	At      time.Time
}

// WritePlugState records a plug observation. The write is non-blocking
// and a zero At means now.
//
// Example:
//
//	client.WritePlugState(influxdb.PlugSample{
//	    Address: "accf23000001", Name: "Porch", Powered: true, Online: true, At: time.Now(),
//	})
func (c *Client) WritePlugState(s PlugSample) {
	tags := map[string]string{"address": s.Address}
	if s.Name != "" {
		tags["name"] = s.Name
	}
	c.writePoint(MeasurementPlugPower, tags, map[string]any{
		"powered": s.Powered,
		"online":  s.Online,
	}, s.At)
}

// writePoint queues a point. A zero timestamp means now.
func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
