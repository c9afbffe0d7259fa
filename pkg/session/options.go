package session

import (
	"time"

	"github.com/go-go-golems/murmur/pkg/events"
	"github.com/go-go-golems/murmur/pkg/title"
)

const (
	DefaultStopMarker   = "\n[Generation stopped]"
	DefaultErrorMarker  = "\n[Error: Connection failed]"
	DefaultTitleTimeout = 30 * time.Second
)

type Option func(*Controller)

func WithEventSinks(sinks ...events.EventSink) Option {
	return func(c *Controller) {
		c.sinks = append(c.sinks, sinks...)
	}
}

func WithTitleGenerator(g title.Generator) Option {
	return func(c *Controller) {
		c.titles = g
	}
}

func WithTitleTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.titleTimeout = d
	}
}

// WithInterruptOnSubmit makes a submit during a running stream stop that
// stream first instead of failing with ErrBusy.
func WithInterruptOnSubmit(interrupt bool) Option {
	return func(c *Controller) {
		c.interruptOnSubmit = interrupt
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(c *Controller) {
		c.systemPrompt = prompt
	}
}

func WithStopMarker(marker string) Option {
	return func(c *Controller) {
		c.stopMarker = marker
	}
}

func WithErrorMarker(marker string) Option {
	return func(c *Controller) {
		c.errorMarker = marker
	}
}
