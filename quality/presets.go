// Package quality converts raw transport telemetry into a network
// quality tier and the encode preset that goes with it.
//
// The stats collector polls low-level transport counters and reduces
// them to per-interval samples; the bandwidth adapter classifies samples
// into one of four tiers using a weighted penalty score and decides,
// with hysteresis, when to switch adaptation presets. Degradation acts
// immediately once sustained; recovery is deliberately conservative.
package quality

// Tier is the classified network quality level.
type Tier int

const (
	// TierExcellent indicates headroom for full quality media.
	TierExcellent Tier = iota
	// TierGood indicates minor constraints; video is reduced, not cut.
	TierGood
	// TierPoor indicates significant constraints; video drops to
	// thumbnail quality and screen share bitrate is halved.
	TierPoor
	// TierCritical indicates a barely usable link; audio only.
	TierCritical
)

// String returns the human-readable tier name.
func (t Tier) String() string {
	switch t {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierPoor:
		return "poor"
	case TierCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// AudioPreset is the audio half of an adaptation preset.
type AudioPreset struct {
	BitrateKbps int
	SampleRate  int
	Channels    int
	DTX         bool
	FEC         bool
}

// VideoPreset is the camera-video half of an adaptation preset.
type VideoPreset struct {
	Enabled     bool
	Width       int
	Height      int
	Framerate   int
	BitrateKbps int
}

// ScreenPreset is the screen-share half of an adaptation preset.
type ScreenPreset struct {
	Enabled     bool
	Width       int
	Height      int
	BitrateKbps int
}

// Preset is one immutable configuration bundle, looked up by tier.
type Preset struct {
	Tier   Tier
	Audio  AudioPreset
	Video  VideoPreset
	Screen ScreenPreset
}

// presets holds the four fixed tiers. Values follow common WebRTC
// practice: audio survives at every tier, video degrades first, and the
// critical tier is audio only with DTX and FEC enabled.
var presets = map[Tier]Preset{
	TierExcellent: {
		Tier:   TierExcellent,
		Audio:  AudioPreset{BitrateKbps: 64, SampleRate: 48000, Channels: 2, DTX: false, FEC: false},
		Video:  VideoPreset{Enabled: true, Width: 1280, Height: 720, Framerate: 30, BitrateKbps: 2500},
		Screen: ScreenPreset{Enabled: true, Width: 1920, Height: 1080, BitrateKbps: 3000},
	},
	TierGood: {
		Tier:   TierGood,
		Audio:  AudioPreset{BitrateKbps: 48, SampleRate: 48000, Channels: 1, DTX: false, FEC: true},
		Video:  VideoPreset{Enabled: true, Width: 854, Height: 480, Framerate: 24, BitrateKbps: 1000},
		Screen: ScreenPreset{Enabled: true, Width: 1280, Height: 720, BitrateKbps: 1500},
	},
	TierPoor: {
		Tier:   TierPoor,
		Audio:  AudioPreset{BitrateKbps: 32, SampleRate: 48000, Channels: 1, DTX: true, FEC: true},
		Video:  VideoPreset{Enabled: true, Width: 426, Height: 240, Framerate: 15, BitrateKbps: 300},
		Screen: ScreenPreset{Enabled: true, Width: 1280, Height: 720, BitrateKbps: 750},
	},
	TierCritical: {
		Tier:   TierCritical,
		Audio:  AudioPreset{BitrateKbps: 16, SampleRate: 24000, Channels: 1, DTX: true, FEC: true},
		Video:  VideoPreset{Enabled: false},
		Screen: ScreenPreset{Enabled: false},
	},
}

// PresetFor returns the immutable preset for a tier.
func PresetFor(tier Tier) Preset {
	p, ok := presets[tier]
	if !ok {
		return presets[TierCritical]
	}
	return p
}
