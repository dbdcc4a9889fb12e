package txflow

import (
	"log/slog"
	"sync"
	"time"
)

// Level distinguishes success and error notifications.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notifier receives user-facing messages.
type Notifier interface {
	Success(msg string)
	Error(msg string)
}

// Notification is a message recorded by Feed.
type Notification struct {
	Seq     uint64    `json:"seq"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Feed keeps the most recent notifications in a bounded ring so clients can
// poll for anything newer than the last sequence they saw.
type Feed struct {
	mu       sync.Mutex
	items    []Notification
	capacity int
	next     uint64
	now      func() time.Time
}

// NewFeed constructs a feed retaining up to capacity notifications.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = 128
	}
	return &Feed{capacity: capacity, next: 1, now: time.Now}
}

// Success records a success notification.
func (f *Feed) Success(msg string) { f.push(LevelSuccess, msg) }

// Error records an error notification.
func (f *Feed) Error(msg string) { f.push(LevelError, msg) }

func (f *Feed) push(level Level, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, Notification{Seq: f.next, Level: level, Message: msg, At: f.now()})
	f.next++
	if len(f.items) > f.capacity {
		f.items = append(f.items[:0:0], f.items[len(f.items)-f.capacity:]...)
	}
}

// Since returns the retained notifications with a sequence above after.
func (f *Feed) Since(after uint64) []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Notification, 0, len(f.items))
	for _, item := range f.items {
		if item.Seq > after {
			out = append(out, item)
		}
	}
	return out
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// Success logs at info level.
func (n LogNotifier) Success(msg string) {
	n.logger().Info("notification", "level", LevelSuccess, "text", msg)
}

// Error logs at warn level.
func (n LogNotifier) Error(msg string) {
	n.logger().Warn("notification", "level", LevelError, "text", msg)
}

// Notifiers fans each message out to every member.
type Notifiers []Notifier

// Success forwards to every notifier.
func (ns Notifiers) Success(msg string) {
	for _, n := range ns {
		if n != nil {
			n.Success(msg)
		}
	}
}

// Error forwards to every notifier.
func (ns Notifiers) Error(msg string) {
	for _, n := range ns {
		if n != nil {
			n.Error(msg)
		}
	}
}
