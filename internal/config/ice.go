package config

import "github.com/pion/webrtc/v4"

// ICEServer is one STUN/TURN entry from the config file. Credential is
// optional; STUN entries carry none.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// WebRTCICEServers converts the configured entries into the pion type that
// clients feed to RTCPeerConnection. The result is non-nil even when empty
// so it serializes as [] rather than null.
func (c *Config) WebRTCICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
		}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}
