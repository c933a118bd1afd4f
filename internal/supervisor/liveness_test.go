package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/reportd/internal/registry"
)

type portTable map[uint16]bool

func (p portTable) IsPortFree(_ context.Context, port uint16) bool { return !p[port] }

type handle struct{ alive bool }

func (h handle) IsAlive() bool       { return h.alive }
func (h handle) Kill() error         { return nil }
func (h handle) LastLogLine() string { return "" }
func (h handle) PID() int            { return 1 }

func TestPortLiveness(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	listening := portTable{4000: true}

	var testCases = []struct {
		scenario string
		port     uint16
		started  time.Time
		handle   registry.Handle
		grace    time.Duration
		then     bool
	}{
		{"listening", 4000, now.Add(-time.Hour), handle{alive: false}, 0, true},
		{"free port", 4001, now.Add(-time.Hour), handle{alive: true}, 10 * time.Second, false},
		{"within grace", 4001, now.Add(-time.Second), handle{alive: true}, 10 * time.Second, true},
		{"exited within grace", 4001, now.Add(-time.Second), handle{alive: false}, 10 * time.Second, false},
		{"no grace", 4001, now, handle{alive: true}, 0, false},
		{"no handle", 4001, now, nil, 10 * time.Second, false},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			l := PortLiveness{Ports: listening, Grace: tc.grace, now: func() time.Time { return now }}
			inst := registry.Instance{Port: tc.port, Started: tc.started, Handle: tc.handle}
			require.Equal(t, tc.then, l.Alive(t.Context(), inst))
		})
	}
}
