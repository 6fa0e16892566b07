package app

import (
	"crypto/tls"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/MrWong99/voxrelay/internal/config"
)

func TestStreamURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		publicURL string
		host      string
		headers   map[string]string
		tls       bool
		want      string
	}{
		{name: "plain", host: "relay.local:5050", want: "ws://relay.local:5050/media-stream"},
		{name: "forwarded https", host: "relay.local", headers: map[string]string{"X-Forwarded-Proto": "https"}, want: "wss://relay.local/media-stream"},
		{name: "forwarded list", host: "relay.local", headers: map[string]string{"X-Forwarded-Proto": "https, http"}, want: "wss://relay.local/media-stream"},
		{name: "forwarded host", host: "10.0.0.5", headers: map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "voice.example.com"}, want: "wss://voice.example.com/media-stream"},
		{name: "direct tls", host: "relay.local", tls: true, want: "wss://relay.local/media-stream"},
		{name: "public https", publicURL: "https://voice.example.com/", host: "ignored", want: "wss://voice.example.com/media-stream"},
		{name: "public with path", publicURL: "http://gw.example.com/relay", host: "ignored", want: "ws://gw.example.com/relay/media-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodPost, "/incoming-call", nil)
			r.Host = tt.host
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if tt.tls {
				r.TLS = &tls.ConnectionState{}
			} else {
				r.TLS = nil
			}
			if got := streamURL(tt.publicURL, r); got != tt.want {
				t.Errorf("streamURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnectTwiML_EscapesAndOmits(t *testing.T) {
	t.Parallel()
	tw := config.TwilioConfig{Greeting: `Hi & "welcome" <friend>`}
	out, err := connectTwiML(tw, "wss://h/media-stream", "")
	if err != nil {
		t.Fatalf("connectTwiML: %v", err)
	}
	s := string(out)
	if strings.Contains(s, "<friend>") || !strings.Contains(s, "&amp;") {
		t.Errorf("greeting not escaped:\n%s", s)
	}
	if strings.Contains(s, "<Parameter") {
		t.Errorf("no parameter expected without a call sid:\n%s", s)
	}

	var parsed twimlResponse
	if err := xml.Unmarshal(out[len(xml.Header):], &parsed); err != nil {
		t.Fatalf("output is not valid XML: %v", err)
	}
	if parsed.Say == nil || parsed.Say.Text != tw.Greeting {
		t.Errorf("round-tripped greeting = %+v", parsed.Say)
	}

	out, _ = connectTwiML(config.TwilioConfig{}, "wss://h/media-stream", "CA1")
	if strings.Contains(string(out), "<Say") {
		t.Errorf("empty greeting should omit <Say>:\n%s", out)
	}
}

func TestErrorTwiML(t *testing.T) {
	t.Parallel()
	out := string(errorTwiML(config.TwilioConfig{ErrorMessage: "Sorry.", SayVoice: "Polly.Aditi", SayLanguage: "th-TH"}))
	for _, want := range []string{`<Say voice="Polly.Aditi" language="th-TH">Sorry.</Say>`, "<Hangup></Hangup>"} {
		if !strings.Contains(out, want) {
			t.Errorf("error twiml missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "<Connect") {
		t.Errorf("error twiml must not connect:\n%s", out)
	}
}

func TestTwilioSignature(t *testing.T) {
	t.Parallel()
	form := url.Values{
		"CallSid": {"CA1234567890ABCDE"},
		"Caller":  {"+12349013030"},
		"Digits":  {"1234"},
		"From":    {"+12349013030"},
		"To":      {"+18005551212"},
	}
	const u = "https://mycompany.com/myapp.php?foo=1&bar=2"

	sig := twilioSignature("12345", u, form)
	if sig == "" {
		t.Fatal("empty signature")
	}
	if again := twilioSignature("12345", u, form); again != sig {
		t.Error("signature is not deterministic")
	}
	if other := twilioSignature("54321", u, form); other == sig {
		t.Error("signature should depend on the auth token")
	}
	if other := twilioSignature("12345", u+"&x=1", form); other == sig {
		t.Error("signature should depend on the url")
	}
	tampered := url.Values{}
	for k, v := range form {
		tampered[k] = v
	}
	tampered.Set("Digits", "9999")
	if other := twilioSignature("12345", u, tampered); other == sig {
		t.Error("signature should depend on the parameters")
	}
}

func TestWebhook_AcceptsValidSignature(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.OpenAI.APIKey = "sk-test"
	cfg.Server.PublicURL = "https://voice.example.com"
	cfg.Twilio.AuthToken = "secret"
	cfg.Twilio.ValidateSignature = true

	a := &App{}
	a.cfg.Store(cfg)

	form := url.Values{"CallSid": {"CA77"}, "From": {"+15550001111"}}
	sig := twilioSignature("secret", "https://voice.example.com/incoming-call", form)

	req := httptest.NewRequest(http.MethodPost, "/incoming-call", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(signatureHeader, sig)
	rec := httptest.NewRecorder()
	a.handleIncomingCall(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `value="CA77"`) {
		t.Errorf("body:\n%s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/incoming-call", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(signatureHeader, twilioSignature("wrong", "https://voice.example.com/incoming-call", form))
	rec = httptest.NewRecorder()
	a.handleIncomingCall(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}
