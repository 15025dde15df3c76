package watch

import (
	"strings"
	"time"
)

// Pulse is the activity indicator in the header. It rotates on every refresh
// and lights up dots when stream events arrive, fading after a few seconds.
type Pulse struct {
	frames    []string
	frame     int
	dots      int
	lastEvent time.Time
	now       func() time.Time
}

const pulseDots = 5

func NewPulse(now func() time.Time) Pulse {
	if now == nil {
		now = time.Now
	}
	return Pulse{frames: []string{"⟲", "⟳"}, now: now}
}

// Refreshed advances the rotating frame.
func (p *Pulse) Refreshed() {
	p.frame = (p.frame + 1) % len(p.frames)
}

func (p *Pulse) Event() {
	p.dots = pulseDots
	p.lastEvent = p.now()
}

// Decay drops one dot for every two seconds without events.
func (p *Pulse) Decay() {
	if p.dots == 0 {
		return
	}
	left := pulseDots - int(p.now().Sub(p.lastEvent)/(2*time.Second))
	if left < 0 {
		left = 0
	}
	if left < p.dots {
		p.dots = left
	}
}

func (p Pulse) Frame() string { return p.frames[p.frame] }

func (p Pulse) LastEvent() time.Time { return p.lastEvent }

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range pulseDots {
		if i < p.dots {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}
