package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClientSettings is the browser-facing part of /api/config that is not
// derived from flags: SIP account defaults and WebRTC media preferences.
type ClientSettings struct {
	SIP    SIPSettings    `yaml:"sip" json:"sip"`
	WebRTC WebRTCSettings `yaml:"webrtc" json:"webrtc"`
}

type SIPSettings struct {
	Server         string `yaml:"server" json:"server"`
	Proxy          string `yaml:"proxy" json:"proxy"`
	Username       string `yaml:"username" json:"username"`
	Password       string `yaml:"password" json:"password"`
	DisplayName    string `yaml:"displayName" json:"displayName"`
	DestinationURI string `yaml:"destinationUri" json:"destinationUri"`
	// HangupDelay is in milliseconds.
	HangupDelay int `yaml:"hangupDelay" json:"hangupDelay"`
}

type WebRTCSettings struct {
	ICETransportPolicy string    `yaml:"iceTransportPolicy" json:"iceTransportPolicy"`
	OpusCodec          OpusCodec `yaml:"opusCodec" json:"opusCodec"`
}

type OpusCodec struct {
	MinPtime          int  `yaml:"minPtime" json:"minPtime"`
	UseInbandFEC      bool `yaml:"useInbandFec" json:"useInbandFec"`
	MaxAverageBitrate int  `yaml:"maxAverageBitrate" json:"maxAverageBitrate"`
	Stereo            bool `yaml:"stereo" json:"stereo"`
	CBR               bool `yaml:"cbr" json:"cbr"`
}

func DefaultClientSettings() ClientSettings {
	return ClientSettings{
		SIP: SIPSettings{
			Server:      "sip.linphone.org",
			HangupDelay: 2000,
		},
		WebRTC: WebRTCSettings{
			ICETransportPolicy: "all",
			OpusCodec: OpusCodec{
				MinPtime:          10,
				UseInbandFEC:      true,
				MaxAverageBitrate: 64000,
				Stereo:            false,
				CBR:               true,
			},
		},
	}
}

// LoadClientSettings reads a YAML client settings file over the defaults.
// ${VAR} references are expanded from the environment before parsing so
// secrets can stay out of the file. An empty path yields the defaults.
func LoadClientSettings(path string) (ClientSettings, error) {
	settings := DefaultClientSettings()
	if strings.TrimSpace(path) == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ClientSettings{}, fmt.Errorf("read client settings: %w", err)
	}
	if err := decodeClientSettings(data, &settings); err != nil {
		return ClientSettings{}, fmt.Errorf("parse client settings %q: %w", path, err)
	}
	return settings, nil
}

func decodeClientSettings(data []byte, settings *ClientSettings) error {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(settings); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return settings.validate()
}

func (s ClientSettings) validate() error {
	switch s.WebRTC.ICETransportPolicy {
	case "all", "relay":
	default:
		return fmt.Errorf("webrtc.iceTransportPolicy must be all or relay, got %q", s.WebRTC.ICETransportPolicy)
	}
	if s.SIP.HangupDelay < 0 {
		return fmt.Errorf("sip.hangupDelay must be >= 0")
	}
	if s.WebRTC.OpusCodec.MinPtime < 0 || s.WebRTC.OpusCodec.MaxAverageBitrate < 0 {
		return fmt.Errorf("webrtc.opusCodec values must be >= 0")
	}
	return nil
}
