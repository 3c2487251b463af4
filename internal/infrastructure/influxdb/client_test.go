package influxdb

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-plugs/internal/infrastructure/config"
)

type fakeWriteAPI struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (f *fakeWriteAPI) WritePoint(p *write.Point) {
	f.mu.Lock()
	f.points = append(f.points, p)
	f.mu.Unlock()
}

func (f *fakeWriteAPI) Flush() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
}

type fakePinger struct {
	healthy bool
	err     error
	closed  int
}

func (f *fakePinger) Ping(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return f.healthy, f.err
}

func (f *fakePinger) Close() { f.closed++ }

func newTestClient() (*Client, *fakeWriteAPI, *fakePinger) {
	w := &fakeWriteAPI{}
	p := &fakePinger{healthy: true}
	return newClient(config.InfluxDBConfig{Enabled: true, Bucket: "plugs"}, p, w), w, p
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: true, URL: "http://127.0.0.1:59999", Bucket: "plugs"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWritePlugState(t *testing.T) {
	c, w, _ := newTestClient()
	at := time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC)

	c.WritePlugState(PlugSample{Address: "accf23000001", Name: "Porch", Powered: true, Online: true, At: at})
	c.WritePlugState(PlugSample{Address: "accf23000002", Online: false, At: at})

	if len(w.points) != 2 {
		t.Fatalf("wrote %d points, want 2", len(w.points))
	}

	line := write.PointToLineProtocol(w.points[0], time.Second)
	for _, want := range []string{"plug_power,", "address=accf23000001", "name=Porch", "powered=true", "online=true"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}

	// Unnamed plugs carry no name tag.
	if line := write.PointToLineProtocol(w.points[1], time.Second); strings.Contains(line, "name=") {
		t.Errorf("line %q has a name tag", line)
	}
	if !w.points[0].Time().Equal(at) {
		t.Errorf("point time = %v, want %v", w.points[0].Time(), at)
	}
}

func TestWritePlugState_DefaultsTimestamp(t *testing.T) {
	c, w, _ := newTestClient()
	before := time.Now()
	c.WritePlugState(PlugSample{Address: "accf23000002"})
	if len(w.points) != 1 || w.points[0].Time().Before(before) {
		t.Errorf("points = %v", w.points)
	}
}

func TestClose(t *testing.T) {
	c, w, p := newTestClient()

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if w.flushes != 1 || p.closed != 1 {
		t.Errorf("flushes=%d closed=%d, want 1/1", w.flushes, p.closed)
	}

	// Writes, flushes and a second close after Close are no-ops.
	c.WritePlugState(PlugSample{Address: "accf23000001"})
	c.Flush()
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if len(w.points) != 0 || w.flushes != 1 || p.closed != 1 {
		t.Errorf("activity after Close: points=%d flushes=%d closed=%d", len(w.points), w.flushes, p.closed)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheck(t *testing.T) {
	c, _, p := newTestClient()

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	p.healthy = false
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() expected error for unhealthy server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v", err)
	}
}

func TestHandleWriteErrors(t *testing.T) {
	c, _, _ := newTestClient()

	var got []error
	c.SetOnError(func(err error) { got = append(got, err) })

	ch := make(chan error, 2)
	ch <- errors.New("bucket not found")
	ch <- errors.New("unauthorized")
	close(ch)
	c.handleWriteErrors(ch)

	if len(got) != 2 {
		t.Errorf("callback saw %d errors, want 2", len(got))
	}
}

func TestCloseNil(t *testing.T) {
	if err := (&Client{}).Close(); err != nil {
		t.Errorf("Close() on zero client error = %v", err)
	}
}
