// Package announcer delivers human readable auction announcements.
// Announcers never report failure to the caller.
package announcer

import (
	log "github.com/sirupsen/logrus"
)

// Logger writes announcements to the log
type Logger struct{}

// Announce logs text
func (Logger) Announce(text string) {
	log.WithField("component", "announcer").Info(text)
}

// Announcer is the shape shared by every announcer in this package
type Announcer interface {
	Announce(text string)
}

// Multi fans one announcement out to several announcers in order
type Multi []Announcer

// Announce calls every announcer
func (m Multi) Announce(text string) {
	for _, a := range m {
		a.Announce(text)
	}
}
