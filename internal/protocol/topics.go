package protocol

import "strings"

// Topic namespace: one subtree per machine.
//
//	machines/{id}/commands   (downstream, orchestrator -> device)
//	machines/{id}/status     (upstream)
//	machines/{id}/heartbeat  (upstream)
const (
	topicPrefix = "machines"

	topicSuffixCommands  = "commands"
	topicSuffixStatus    = "status"
	topicSuffixHeartbeat = "heartbeat"

	// Wildcard subscriptions used by the orchestrator side.
	TopicAllStatus     = topicPrefix + "/+/" + topicSuffixStatus
	TopicAllHeartbeats = topicPrefix + "/+/" + topicSuffixHeartbeat
)

// CommandTopic returns the command topic for one machine.
func CommandTopic(machineID string) string {
	return topicPrefix + "/" + machineID + "/" + topicSuffixCommands
}

// StatusTopic returns the status topic for one machine.
func StatusTopic(machineID string) string {
	return topicPrefix + "/" + machineID + "/" + topicSuffixStatus
}

// HeartbeatTopic returns the heartbeat topic for one machine.
func HeartbeatTopic(machineID string) string {
	return topicPrefix + "/" + machineID + "/" + topicSuffixHeartbeat
}

// MachineIDFromTopic extracts the machine ID from "machines/{id}/{suffix}".
func MachineIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicPrefix || parts[1] == "" {
		return "", false
	}
	switch parts[2] {
	case topicSuffixCommands, topicSuffixStatus, topicSuffixHeartbeat:
		return parts[1], true
	}
	return "", false
}
