package camera

import (
	"fmt"
	"strings"
)

// Mode selects how the scroll offset follows the bike.
type Mode string

const (
	// ModeLead places the bike at a fixed fraction of the viewport.
	ModeLead Mode = "lead"
	// ModeSmooth eases the offset toward the lead position every frame.
	ModeSmooth Mode = "smooth"
)

const (
	DefaultViewportWidth = 1000.0
	DefaultLeadFraction  = 0.3
	DefaultSmoothing     = 0.1
)

// ParseMode resolves a configuration string into a Mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeLead, "":
		return ModeLead, nil
	case ModeSmooth:
		return ModeSmooth, nil
	default:
		return "", fmt.Errorf("unknown camera mode %q", raw)
	}
}

// Params configures the scroll policy. CourseLength of zero disables the
// right-hand clamp.
type Params struct {
	Mode          Mode
	ViewportWidth float64
	LeadFraction  float64
	Smoothing     float64
	CourseLength  float64
}

// DefaultParams returns the stock lead-follow camera.
func DefaultParams() Params {
	return Params{
		Mode:          ModeLead,
		ViewportWidth: DefaultViewportWidth,
		LeadFraction:  DefaultLeadFraction,
		Smoothing:     DefaultSmoothing,
	}
}

// Camera derives the horizontal scroll offset from the bike position. The
// only retained state is the previous offset used for smoothing.
type Camera struct {
	params Params
	offset float64
	primed bool
}

// New constructs a camera with the given parameters.
func New(params Params) *Camera {
	if params.Smoothing <= 0 || params.Smoothing > 1 {
		params.Smoothing = DefaultSmoothing
	}
	return &Camera{params: params}
}

// Params returns the camera configuration.
func (c *Camera) Params() Params { return c.params }

// Offset returns the last computed scroll offset.
func (c *Camera) Offset() float64 { return c.offset }

// Target is the unsmoothed offset for a bike at bikeX.
func (c *Camera) Target(bikeX float64) float64 {
	return c.clamp(bikeX - c.params.ViewportWidth*c.params.LeadFraction)
}

// Update advances the offset for the current bike position and returns it.
func (c *Camera) Update(bikeX float64) float64 {
	target := c.Target(bikeX)
	if c.params.Mode != ModeSmooth || !c.primed {
		c.offset = target
		c.primed = true
		return c.offset
	}
	c.offset = c.clamp(c.offset + (target-c.offset)*c.params.Smoothing)
	return c.offset
}

// Visible reports the world-space range currently on screen, widened by margin.
func (c *Camera) Visible(margin float64) (float64, float64) {
	return c.offset - margin, c.offset + c.params.ViewportWidth + margin
}

func (c *Camera) clamp(offset float64) float64 {
	if c.params.CourseLength > 0 {
		if max := c.params.CourseLength - c.params.ViewportWidth; offset > max {
			offset = max
		}
	}
	if offset < 0 {
		offset = 0
	}
	return offset
}
