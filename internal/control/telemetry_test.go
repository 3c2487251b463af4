package control

import (
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-plugs/internal/bridges/plug"
	"github.com/nerrad567/gray-logic-plugs/internal/infrastructure/influxdb"
)

type recordingWriter struct {
	samples []influxdb.PlugSample
}

func (w *recordingWriter) WritePlugState(s influxdb.PlugSample) {
	w.samples = append(w.samples, s)
}

func TestTelemetrySink_Record(t *testing.T) {
	w := &recordingWriter{}
	sink := NewTelemetrySink(w)
	at := time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return at }

	sink.Record([]DeviceView{
		{Device: plug.Device{Address: addrA, On: true}, Name: "Porch", Discovered: true, Online: true},
		{Device: plug.Device{Address: addrB}, Name: "Fan", Discovered: true},
		{Device: plug.Device{Address: addrC}, Name: "Configured only"},
	})

	if len(w.samples) != 2 {
		t.Fatalf("wrote %d samples, want 2", len(w.samples))
	}
	want := influxdb.PlugSample{Address: "accf23000001", Name: "Porch", Powered: true, Online: true, At: at}
	if w.samples[0] != want {
		t.Errorf("sample = %+v, want %+v", w.samples[0], want)
	}
	if w.samples[1].Powered || w.samples[1].Online {
		t.Errorf("sample = %+v", w.samples[1])
	}
}
