package orchestrator

import (
	"context"
	"log/slog"
	"time"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Notification struct {
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Kind    Kind      `json:"kind,omitempty"`
	At      time.Time `json:"at"`
}

type Notifier interface {
	Notify(Notification)
}

type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(note Notification) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch note.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, note.Title, "message", note.Message, "kind", note.Kind)
}

// Notifiers fans one notification out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(n Notification) {
	for _, notifier := range ns {
		notifier.Notify(n)
	}
}

func failure(title string, err *Error, at time.Time) Notification {
	return Notification{Level: LevelError, Title: title, Message: err.Message, Kind: err.Kind, At: at}
}

func success(title, message string, at time.Time) Notification {
	return Notification{Level: LevelSuccess, Title: title, Message: message, At: at}
}
