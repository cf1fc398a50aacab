package ui

import "patcher/internal/event"

// Event is the progress event type consumed by presenters.
type Event = event.Event
