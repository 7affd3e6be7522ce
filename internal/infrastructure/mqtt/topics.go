package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when the configuration leaves topic_prefix empty.
const DefaultTopicPrefix = "lakeshore336"

// Topics builds the daemon's topic hierarchy under a common prefix:
//
//	{prefix}/status          retained online/offline (also the LWT)
//	{prefix}/sample          one JSON document per monitor tick
//	{prefix}/input/{label}   latest reading of one sensor input
//	{prefix}/heater/{id}     retained heater setpoint and range
//	{prefix}/event           monitor start/stop and device faults
type Topics struct {
	prefix string
}

// NewTopics returns a builder for prefix, trimming any trailing slash.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

func (t Topics) root() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// Status returns the daemon availability topic.
func (t Topics) Status() string {
	return t.root() + "/status"
}

// Sample returns the per-tick sample topic.
func (t Topics) Sample() string {
	return t.root() + "/sample"
}

// Input returns the topic for one sensor input, keyed by its label.
func (t Topics) Input(label string) string {
	return fmt.Sprintf("%s/input/%s", t.root(), label)
}

// Heater returns the topic for one heater output.
func (t Topics) Heater(id int) string {
	return fmt.Sprintf("%s/heater/%d", t.root(), id)
}

// Event returns the lifecycle event topic.
func (t Topics) Event() string {
	return t.root() + "/event"
}

