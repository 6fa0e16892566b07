package app

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/MrWong99/voxrelay/internal/config"
)

// mediaStreamPath is the WebSocket route Twilio is told to connect to.
const mediaStreamPath = "/media-stream"

// signatureHeader carries Twilio's request signature.
const signatureHeader = "X-Twilio-Signature"

var errBadSignature = errors.New("app: invalid twilio signature")

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Hangup  *struct{}     `xml:"Hangup,omitempty"`
}

type twimlSay struct {
	Voice    string `xml:"voice,attr,omitempty"`
	Language string `xml:"language,attr,omitempty"`
	Text     string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// connectTwiML answers an incoming call: speak the greeting, then bridge the
// call audio to streamURL. The call SID travels as a custom stream
// parameter so the media socket can correlate it.
func connectTwiML(tw config.TwilioConfig, streamURL, callSID string) ([]byte, error) {
	resp := twimlResponse{
		Connect: &twimlConnect{Stream: twimlStream{URL: streamURL}},
	}
	if tw.Greeting != "" {
		resp.Say = &twimlSay{Voice: tw.SayVoice, Language: tw.SayLanguage, Text: tw.Greeting}
	}
	if callSID != "" {
		resp.Connect.Stream.Parameters = []twimlParameter{{Name: "callSid", Value: callSID}}
	}
	return marshalTwiML(resp)
}

// errorTwiML apologises and hangs up.
func errorTwiML(tw config.TwilioConfig) []byte {
	resp := twimlResponse{
		Say:    &twimlSay{Voice: tw.SayVoice, Language: tw.SayLanguage, Text: tw.ErrorMessage},
		Hangup: &struct{}{},
	}
	out, err := marshalTwiML(resp)
	if err != nil {
		return []byte(xml.Header + "<Response><Hangup/></Response>")
	}
	return out
}

func marshalTwiML(resp twimlResponse) ([]byte, error) {
	body, err := xml.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("app: marshal twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// streamURL builds the media stream URL for the webhook request r. A
// configured public URL wins; otherwise the request host is used and the
// scheme follows X-Forwarded-Proto, since the server usually sits behind a
// TLS-terminating proxy.
func streamURL(publicURL string, r *http.Request) string {
	if publicURL != "" {
		if u, err := url.Parse(publicURL); err == nil && u.Host != "" {
			scheme := "ws"
			if u.Scheme == "https" {
				scheme = "wss"
			}
			return scheme + "://" + u.Host + strings.TrimSuffix(u.Path, "/") + mediaStreamPath
		}
	}
	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(firstValue(r.Header.Get("X-Forwarded-Proto")), "https") {
		scheme = "wss"
	}
	host := r.Host
	if fwd := firstValue(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + mediaStreamPath
}

// webhookURL reconstructs the URL Twilio signed for r.
func webhookURL(publicURL string, r *http.Request) string {
	if publicURL != "" {
		return strings.TrimSuffix(publicURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(firstValue(r.Header.Get("X-Forwarded-Proto")), "https") {
		scheme = "https"
	}
	host := r.Host
	if fwd := firstValue(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func firstValue(h string) string {
	v, _, _ := strings.Cut(h, ",")
	return strings.TrimSpace(v)
}

// twilioSignature computes the X-Twilio-Signature for a form POST: the URL
// followed by every parameter name and value sorted by name, signed with
// HMAC-SHA1 and base64 encoded.
func twilioSignature(authToken, fullURL string, form url.Values) string {
	var b strings.Builder
	b.WriteString(fullURL)
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		vals := slices.Clone(form[k])
		slices.Sort(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// verifySignature checks r's signature against the parsed POST form.
func verifySignature(authToken, fullURL string, r *http.Request) error {
	got := r.Header.Get(signatureHeader)
	if got == "" {
		return errBadSignature
	}
	want := twilioSignature(authToken, fullURL, r.PostForm)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return errBadSignature
	}
	return nil
}
