// Package events pushes run lifecycle events to WebSocket subscribers.
//
// Topics:
//
//	runs            every run of every setup
//	setup:<key>     runs of one setup
package events

import (
	"time"

	"github.com/octylFractal/backup-secretary/internal/notification"
)

// TopicRuns receives every event.
const TopicRuns = "runs"

// SetupTopic returns the topic for runs of one setup.
func SetupTopic(key string) string { return "setup:" + key }

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	MsgRunStarted  MessageType = "run.started"
	MsgRunFinished MessageType = "run.finished"
)

// Message is the envelope of every frame sent to clients.
//
//	{"type":"run.started","topic":"setup:home","payload":{"setup":"home",...}}
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload any         `json:"payload"`
}

// RunStarted is the payload of MsgRunStarted.
type RunStarted struct {
	RunID       string    `json:"run_id"`
	SetupKey    string    `json:"setup"`
	TriggeredBy string    `json:"triggered_by"`
	StartedAt   time.Time `json:"started_at"`
}

// RunFinished is the payload of MsgRunFinished.
type RunFinished struct {
	RunID        string    `json:"run_id"`
	SetupKey     string    `json:"setup"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	FilesSeen    int64     `json:"files_seen"`
	ChunksStored int64     `json:"chunks_stored"`
	BytesStored  int64     `json:"bytes_stored"`
	Warnings     int       `json:"warnings"`
	Errors       int       `json:"errors"`
	Error        string    `json:"error,omitempty"`
}

func runFinished(e notification.RunEvent) RunFinished {
	return RunFinished{
		RunID:        e.RunID.String(),
		SetupKey:     e.SetupKey,
		Status:       e.Type(),
		StartedAt:    e.Started,
		EndedAt:      e.Ended,
		FilesSeen:    e.FilesSeen,
		ChunksStored: e.ChunksStored,
		BytesStored:  e.BytesStored,
		Warnings:     e.Warnings,
		Errors:       e.Errors,
		Error:        e.Error,
	}
}
