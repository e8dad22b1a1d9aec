package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VolumesChanged is true when either volume changed. Running sessions
	// pick the new gain up for sources started afterwards.
	VolumesChanged  bool
	NewTrackVolume  float64
	NewEffectVolume float64

	PreloadChanged bool
	NewPreload     int

	// RestartRequired lists sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VolumesChanged || d.PreloadChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Mixer.TrackVolume != new.Mixer.TrackVolume || old.Mixer.EffectVolume != new.Mixer.EffectVolume {
		d.VolumesChanged = true
		d.NewTrackVolume = new.Mixer.TrackVolume
		d.NewEffectVolume = new.Mixer.EffectVolume
	}

	if old.Queue.Preload != new.Queue.Preload {
		d.PreloadChanged = true
		d.NewPreload = new.Queue.Preload
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.TLS != new.Server.TLS {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameTransport(old.Transport, new.Transport) {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Cache != new.Cache {
		d.RestartRequired = append(d.RestartRequired, "cache")
	}
	if !sameResolver(old.Resolver, new.Resolver) {
		d.RestartRequired = append(d.RestartRequired, "resolver")
	}
	if old.Effects != new.Effects {
		d.RestartRequired = append(d.RestartRequired, "effects")
	}
	if old.Mixer.Normalise != new.Mixer.Normalise || old.Mixer.NormaliseTarget != new.Mixer.NormaliseTarget {
		d.RestartRequired = append(d.RestartRequired, "mixer.normalise")
	}
	if old.Reconnect != new.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}

	return d
}

func sameResolver(a, b ResolverConfig) bool {
	return a.WorkDir == b.WorkDir && a.CookieFile == b.CookieFile &&
		a.Proxy == b.Proxy && a.FFmpeg == b.FFmpeg &&
		a.DecodeWorkers == b.DecodeWorkers && a.FetchRate == b.FetchRate &&
		a.FetchBurst == b.FetchBurst && a.FetchTimeout == b.FetchTimeout &&
		a.PlaylistLimit == b.PlaylistLimit && a.YouTubeFallback == b.YouTubeFallback &&
		slices.Equal(a.LocalDirs, b.LocalDirs)
}

func sameTransport(a, b TransportConfig) bool {
	if a.Name != b.Name || a.Discord != b.Discord ||
		a.WebSocket.WriteTimeout != b.WebSocket.WriteTimeout ||
		a.WebSocket.ListenerBuffer != b.WebSocket.ListenerBuffer ||
		len(a.WebSocket.OriginPatterns) != len(b.WebSocket.OriginPatterns) {
		return false
	}
	for i := range a.WebSocket.OriginPatterns {
		if a.WebSocket.OriginPatterns[i] != b.WebSocket.OriginPatterns[i] {
			return false
		}
	}
	return true
}
