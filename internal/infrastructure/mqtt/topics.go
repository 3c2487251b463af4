package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the service uses.
const TopicPrefix = "graylogic"

// Protocol is the protocol segment of plug topics.
const Protocol = "plug"

// Topics builds the plug service topics. All plug topics use the flat
// scheme graylogic/{category}/plug/{address}:
//
//	topics := mqtt.Topics{}
//	topics.PlugState("accf23000001")
//	// Returns: "graylogic/state/plug/accf23000001"
type Topics struct{}

func (Topics) plug(category, leaf string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, category, Protocol, leaf)
}

// PlugState is the retained state topic for one plug.
func (t Topics) PlugState(address string) string {
	return t.plug("state", address)
}

// PlugCommand is the command topic for one plug.
func (t Topics) PlugCommand(address string) string {
	return t.plug("command", address)
}

// PlugAck is where command acknowledgements for one plug are published.
func (t Topics) PlugAck(address string) string {
	return t.plug("ack", address)
}

// PlugRequest is the topic for a service-wide request such as "discover".
func (t Topics) PlugRequest(action string) string {
	return t.plug("request", action)
}

// PlugResponse is where the reply to a request is published.
func (t Topics) PlugResponse(action string) string {
	return t.plug("response", action)
}

// AllPlugCommands matches every plug command topic.
func (t Topics) AllPlugCommands() string {
	return t.plug("command", "+")
}

// AllPlugRequests matches every plug request topic.
func (t Topics) AllPlugRequests() string {
	return t.plug("request", "+")
}

// ServiceStatus is the retained online/offline topic for this service.
//
// Example: graylogic/health/plug
func (Topics) ServiceStatus() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// LastSegment returns the final level of a topic, which for plug topics
// is the address or request action.
func LastSegment(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
