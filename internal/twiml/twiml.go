// Package twiml renders the call-control markup the telephony provider
// executes on incoming calls: connect to the media stream, transfer to a
// human, or record voicemail.
package twiml

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// ConnectStream returns markup that bridges the call onto the media-stream
// websocket and reports back to the action URL when the stream ends. The
// caller number rides along as a stream parameter.
func ConnectStream(websocketURL, callerNumber string) string {
	host := strings.TrimPrefix(websocketURL, "wss://")
	host = strings.TrimSuffix(host, "/media-stream")
	actionURL := "https://" + host + "/stream-ended"

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect action="%s">
    <Stream url="%s">
      <Parameter name="callerNumber" value="%s" />
    </Stream>
  </Connect>
</Response>`, escape(actionURL), escape(websocketURL), escape(callerNumber))
}

// Transfer returns markup that dials the call through to a human agent.
func Transfer(phoneNumber string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Say language="fr-FR">Veuillez patienter, je transfère votre appel.</Say>
  <Dial>%s</Dial>
</Response>`, escape(phoneNumber))
}

// Voicemail returns markup that records a message and posts the recording to
// the action URL.
func Voicemail(recordingURL string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Say language="fr-FR">Veuillez laisser un message après le bip.</Say>
  <Record action="%s" maxLength="120" transcribe="true" />
</Response>`, escape(recordingURL))
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
