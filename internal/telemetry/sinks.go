package telemetry

import (
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/lakeshore336d/internal/infrastructure/mqtt"
	"github.com/nerrad567/lakeshore336d/internal/lakeshore"
)

// Sink receives every sample the monitor takes. Sink errors are logged by
// the monitor and never stop it.
type Sink interface {
	Publish(ts time.Time, r lakeshore.Readout) error
}

// MQTTPublisher is the subset of *mqtt.Client used by MQTTSink.
type MQTTPublisher interface {
	PublishJSON(topic string, v any, retained bool) error
	Topics() mqtt.Topics
}

// MQTTSink publishes each sample to {prefix}/sample, each input to
// {prefix}/input/{label} and, when it changes, the retained heater
// configuration to {prefix}/heater/{id}.
type MQTTSink struct {
	client MQTTPublisher

	mu      sync.Mutex
	heaters map[int]heaterSetting
}

type heaterSetting struct {
	Setpoint float64
	Range    lakeshore.HeaterRange
}

// NewMQTTSink creates a sink publishing through client.
func NewMQTTSink(client MQTTPublisher) *MQTTSink {
	return &MQTTSink{client: client, heaters: make(map[int]heaterSetting)}
}

// Publish implements Sink.
func (s *MQTTSink) Publish(ts time.Time, r lakeshore.Readout) error {
	topics := s.client.Topics()
	var errs []error

	if err := s.client.PublishJSON(topics.Sample(), NewSamplePayload(ts, r), false); err != nil {
		// Skip the per-channel topics for this tick.
		return err
	}
	for _, in := range r.Inputs {
		if err := s.client.PublishJSON(topics.Input(in.Label), NewInputPayload(in), false); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range r.Heaters {
		setting := heaterSetting{Setpoint: h.Setpoint, Range: h.Range}
		if prev, ok := s.heaters[h.ID]; ok && prev == setting {
			continue
		}
		if err := s.client.PublishJSON(topics.Heater(h.ID), NewHeaterPayload(h), true); err != nil {
			errs = append(errs, err)
			continue
		}
		s.heaters[h.ID] = setting
	}
	return errors.Join(errs...)
}

// PointWriter is the subset of *influxdb.Client used by InfluxSink.
type PointWriter interface {
	WriteInputReading(label, channel string, status int, temperature, resistance float64, timestamp time.Time)
	WriteHeaterReading(id int, power, setpoint float64, heaterRange string, timestamp time.Time)
}

// InfluxSink mirrors samples into InfluxDB. Writes are batched by the
// client, so Publish never fails.
type InfluxSink struct {
	writer PointWriter
}

// NewInfluxSink creates a sink writing through w.
func NewInfluxSink(w PointWriter) *InfluxSink {
	return &InfluxSink{writer: w}
}

// Publish implements Sink.
func (s *InfluxSink) Publish(ts time.Time, r lakeshore.Readout) error {
	for _, in := range r.Inputs {
		s.writer.WriteInputReading(in.Label, in.Channel, int(in.Status), in.Temperature, in.Resistance, ts)
	}
	for _, h := range r.Heaters {
		s.writer.WriteHeaterReading(h.ID, h.Power, h.Setpoint, h.Range.String(), ts)
	}
	return nil
}

// EventPayload is published on {prefix}/event.
type EventPayload struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// PublishEvent announces a monitor lifecycle change.
func (s *MQTTSink) PublishEvent(kind, message string) error {
	p := EventPayload{Time: time.Now().UTC(), Kind: kind, Message: message}
	return s.client.PublishJSON(s.client.Topics().Event(), p, false)
}
