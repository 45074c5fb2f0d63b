// Package window tracks drag and resize gestures of the floating overlay.
//
// The controller is not safe for concurrent use; the overlay shell serializes
// pointer events.
package window

import "math"

// Point is a pointer position in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a width and height in CSS pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Target identifies what a pointer-down landed on.
type Target string

const (
	TargetHeader       Target = "header"
	TargetHeaderChild  Target = "header_child"
	TargetResizeHandle Target = "resize_handle"
	TargetBody         Target = "body"
)

// Gesture is the active pointer gesture.
type Gesture int

const (
	GestureIdle Gesture = iota
	GestureDrag
	GestureResize
)

// String returns the string representation of a Gesture.
func (g Gesture) String() string {
	switch g {
	case GestureIdle:
		return "idle"
	case GestureDrag:
		return "drag"
	case GestureResize:
		return "resize"
	default:
		return "unknown"
	}
}

// Config bounds the window size.
type Config struct {
	MinWidth          float64
	MinHeight         float64
	MaxWidthFraction  float64 // of the viewport width
	MaxHeightFraction float64 // of the viewport height
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{
		MinWidth:          300,
		MinHeight:         400,
		MaxWidthFraction:  0.95,
		MaxHeightFraction: 0.90,
	}
}

// Geometry is the rendered placement: an offset from the anchored corner and a size.
type Geometry struct {
	Offset Point `json:"offset"`
	Size   Size  `json:"size"`
}

// Controller holds the window geometry and the gesture state machine.
type Controller struct {
	cfg      Config
	offset   Point
	size     Size
	viewport Size

	gesture    Gesture
	last       Point
	startPoint Point
	startSize  Size
}

// NewController creates a controller with the given initial size. A zero viewport
// means unknown and disables the upper bound until SetViewport is called.
func NewController(cfg Config, initial Size, viewport Size) *Controller {
	c := &Controller{cfg: cfg, viewport: viewport}
	c.size = c.clamp(initial)
	return c
}

// Geometry returns the current placement.
func (c *Controller) Geometry() Geometry {
	return Geometry{Offset: c.offset, Size: c.size}
}

// Gesture returns the active gesture.
func (c *Controller) Gesture() Gesture {
	return c.gesture
}

// Captured reports whether a gesture is active, which is when the renderer must
// listen for pointer moves and releases on the whole document.
func (c *Controller) Captured() bool {
	return c.gesture != GestureIdle
}

// PointerDown starts a drag on the header itself or a resize on the resize handle.
// It returns whether a gesture started.
func (c *Controller) PointerDown(target Target, p Point) bool {
	if c.gesture != GestureIdle {
		return false
	}

	switch target {
	case TargetHeader:
		c.gesture = GestureDrag
		c.last = p
	case TargetResizeHandle:
		c.gesture = GestureResize
		c.startPoint = p
		c.startSize = c.size
	default:
		return false
	}
	return true
}

// PointerMove applies the pointer position to the active gesture and reports
// whether the geometry changed.
func (c *Controller) PointerMove(p Point) bool {
	switch c.gesture {
	case GestureDrag:
		dx, dy := p.X-c.last.X, p.Y-c.last.Y
		c.last = p
		if dx == 0 && dy == 0 {
			return false
		}
		c.offset.X += dx
		c.offset.Y += dy
		return true
	case GestureResize:
		next := c.clamp(Size{
			Width:  c.startSize.Width + (p.X - c.startPoint.X),
			Height: c.startSize.Height + (p.Y - c.startPoint.Y),
		})
		if next == c.size {
			return false
		}
		c.size = next
		return true
	default:
		return false
	}
}

// PointerUp ends any gesture. It is valid anywhere in the document.
func (c *Controller) PointerUp() {
	c.gesture = GestureIdle
}

// SetViewport records the viewport size and re-applies the bounds. It reports
// whether the size changed.
func (c *Controller) SetViewport(v Size) bool {
	c.viewport = v
	next := c.clamp(c.size)
	if next == c.size {
		return false
	}
	c.size = next
	return true
}

// clamp applies the viewport maximum first so the minimum floor always wins.
func (c *Controller) clamp(s Size) Size {
	if !finite(s.Width) {
		s.Width = c.cfg.MinWidth
	}
	if !finite(s.Height) {
		s.Height = c.cfg.MinHeight
	}
	if c.viewport.Width > 0 && c.cfg.MaxWidthFraction > 0 {
		s.Width = math.Min(s.Width, c.viewport.Width*c.cfg.MaxWidthFraction)
	}
	if c.viewport.Height > 0 && c.cfg.MaxHeightFraction > 0 {
		s.Height = math.Min(s.Height, c.viewport.Height*c.cfg.MaxHeightFraction)
	}
	s.Width = math.Max(s.Width, c.cfg.MinWidth)
	s.Height = math.Max(s.Height, c.cfg.MinHeight)
	return s
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
