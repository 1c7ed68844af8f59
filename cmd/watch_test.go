package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/prospector/internal/poller"
)

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   poller.Event
		want string
	}{
		{
			name: "item",
			ev: poller.Event{
				Type:     poller.EventItem,
				Position: 3,
				Payload:  json.RawMessage(`{"summary":"ok"}`),
			},
			want: `item 3: {"summary":"ok"}`,
		},
		{
			name: "progress",
			ev:   poller.Event{Type: poller.EventProgress, Completed: 4, Total: 10},
			want: "progress: 4/10",
		},
		{
			name: "completed",
			ev:   poller.Event{Type: poller.EventCompleted, Completed: 10, Total: 10},
			want: "completed: 10/10 items",
		},
		{
			name: "failed",
			ev:   poller.Event{Type: poller.EventFailed, Message: "4 credits refunded"},
			want: "failed: 4 credits refunded",
		},
		{
			name: "auth expired",
			ev:   poller.Event{Type: poller.EventAuthExpired},
			want: "authentication rejected; check the API key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatEvent(tt.ev))
		})
	}
}
