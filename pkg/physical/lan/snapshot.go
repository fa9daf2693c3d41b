package lan

// ConnectionInfo describes one live connection.
type ConnectionInfo struct {
	Remote   string `json:"remote" doc:"address of the remote end"`
	Outbound bool   `json:"outbound" doc:"true if we initiated the connection"`
}

// Snapshot is a point-in-time view of the network.
type Snapshot struct {
	Group               string           `json:"group" doc:"multicast group announcements go to"`
	Port                uint16           `json:"port" doc:"multicast and stream port"`
	ListenAddr          string           `json:"listen_addr" doc:"address the stream listener is bound to"`
	Interface           string           `json:"interface,omitempty" doc:"multicast interface, empty if chosen by the kernel"`
	MulticastJoined     bool             `json:"multicast_joined" doc:"whether group membership succeeded"`
	MulticastSent       uint64           `json:"multicast_sent"`
	MulticastReceived   uint64           `json:"multicast_received"`
	ConnectionsOpened   uint64           `json:"connections_opened"`
	ConnectionsAccepted uint64           `json:"connections_accepted"`
	Connections         []ConnectionInfo `json:"connections"`
}
