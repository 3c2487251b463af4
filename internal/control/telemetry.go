package control

import (
	"time"

	"github.com/nerrad567/gray-logic-plugs/internal/infrastructure/influxdb"
)

// PointWriter is the part of influxdb.Client the sink uses.
type PointWriter interface {
	WritePlugState(s influxdb.PlugSample)
}

// TelemetrySink records one plug_power point per plug on every change.
type TelemetrySink struct {
	writer PointWriter
	now    func() time.Time
}

// NewTelemetrySink creates a sink writing to w.
func NewTelemetrySink(w PointWriter) *TelemetrySink {
	return &TelemetrySink{writer: w, now: time.Now}
}

// Record writes the current state of every discovered plug.
func (t *TelemetrySink) Record(views []DeviceView) {
	at := t.now()
	for _, v := range views {
		if !v.Discovered {
			continue
		}
		t.writer.WritePlugState(influxdb.PlugSample{
			Address: v.Address.Compact(),
			Name:    v.Name,
			Powered: v.On,
			Online:  v.Online,
			At:      at,
		})
	}
}
