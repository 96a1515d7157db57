package call

import (
	"github.com/pion/sdp/v3"
)

// iceUfrag returns the ICE username fragment of an SDP blob, looking at the
// session level first and then at each media section. An ICE restart always
// changes it, so two offers with the same ufrag belong to the same ICE
// session. It returns "" when the SDP does not parse or carries none.
func iceUfrag(raw string) string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return ""
	}
	if v, ok := desc.Attribute("ice-ufrag"); ok {
		return v
	}
	for _, md := range desc.MediaDescriptions {
		if v, ok := md.Attribute("ice-ufrag"); ok {
			return v
		}
	}
	return ""
}
