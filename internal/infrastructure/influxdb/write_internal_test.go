package influxdb

import (
	"math"
	"testing"
	"time"
)

func TestAddFinite(t *testing.T) {
	fields := map[string]any{}

	addFinite(fields, "temperature_k", 4.2)
	addFinite(fields, "resistance", math.NaN())
	addFinite(fields, "power_w", math.Inf(1))

	if len(fields) != 1 {
		t.Fatalf("fields = %v, want only temperature_k", fields)
	}
	if fields["temperature_k"] != 4.2 {
		t.Errorf("temperature_k = %v, want 4.2", fields["temperature_k"])
	}
}

func TestWriteWhileDisconnected(t *testing.T) {
	// A zero client has no write API; writes must be dropped, not panic.
	c := &Client{}
	c.WriteInputReading("sampleA", "A", 0, 77, 1000, time.Now())
	c.WriteHeaterReading(1, math.NaN(), math.NaN(), "off", time.Now())
	c.Flush()
}
