package influxdb_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nerrad567/maxcul-core/internal/infrastructure/config"
	"github.com/nerrad567/maxcul-core/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for a local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "maxcul-dev-token",
		Org:           "maxcul",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1, // 1 second for faster test feedback
	}
}

// skipIfNoInfluxDB skips the test if InfluxDB is not running locally.
func skipIfNoInfluxDB(t *testing.T) *influxdb.Client {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION to run InfluxDB integration tests")
	}
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Skipf("InfluxDB not available: %v", err)
	}
	return client
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() with disabled config: got %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping connection timeout test in short mode")
	}

	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999" // nothing listens here

	_, err := influxdb.Connect(cfg)
	if err == nil {
		t.Fatal("Connect() to unreachable server should fail")
	}
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWriteThermostatState(t *testing.T) {
	client := skipIfNoInfluxDB(t)
	defer client.Close()

	measured := 21.3
	desired := 22.0
	battery := false
	rssi := -62.0

	client.WriteThermostatState("0a1b2c", "Living Room", "manual",
		&measured, &desired, &battery, &rssi, time.Now())
	client.Flush()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() after write: %v", err)
	}
}

func TestWriteContactState(t *testing.T) {
	client := skipIfNoInfluxDB(t)
	defer client.Close()

	open := true
	battery := false
	rssi := -71.5

	client.WriteContactState("1b2c3d", "Bathroom Window", "shutter_contact",
		&open, nil, &battery, &rssi, time.Now())
	client.Flush()
}

func TestClose_Idempotent(t *testing.T) {
	client := skipIfNoInfluxDB(t)

	if err := client.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() should be false after Close()")
	}

	// Writes after close are silent no-ops.
	client.WritePoint("link_stats", nil, map[string]interface{}{"credit": 900})
	client.Flush()
}
