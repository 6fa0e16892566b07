package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// SessionChanged is set when voice, instructions, transcription or turn
	// detection changed. These apply to calls accepted after the reload.
	SessionChanged bool

	// RelayChanged is set when relay tuning changed. It also applies to new
	// calls only.
	RelayChanged bool

	// WebhookChanged is set when the TwiML greeting or messages changed.
	WebhookChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed settings that only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.SessionChanged && !d.RelayChanged && !d.WebhookChanged &&
		!d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	o, n := old.OpenAI, new.OpenAI
	if o.Voice != n.Voice || o.Instructions != n.Instructions ||
		o.TranscriptionModel != n.TranscriptionModel ||
		old.Relay.TurnDetection != new.Relay.TurnDetection {
		d.SessionChanged = true
	}

	or, nr := old.Relay, new.Relay
	or.TurnDetection, nr.TurnDetection = TurnDetectionConfig{}, TurnDetectionConfig{}
	or.Breaker, nr.Breaker = BreakerConfig{}, BreakerConfig{}
	if or != nr {
		d.RelayChanged = true
	}

	if old.Twilio != new.Twilio {
		d.WebhookChanged = true
	}

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !sameTLS(old.Server.TLS, new.Server.TLS))
	restart("openai.api_key", o.APIKey != n.APIKey)
	restart("openai.model", o.Model != n.Model)
	restart("openai.realtime_url", o.RealtimeURL != n.RealtimeURL)
	restart("openai.api_base_url", o.APIBaseURL != n.APIBaseURL)
	restart("relay.breaker", old.Relay.Breaker != new.Relay.Breaker)
	restart("calllog", old.CallLog != new.CallLog)

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
