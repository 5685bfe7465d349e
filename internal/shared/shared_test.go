package shared

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestNormalizeOrgID(t *testing.T) {
	tc := []struct {
		name  string
		orgID string
		want  string
	}{
		{name: "already clean", orgID: "00D000000000001", want: "00D000000000001"},
		{name: "surrounding whitespace", orgID: "  00D000000000001\n", want: "00D000000000001"},
		{name: "blank", orgID: "   ", want: ""},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeOrgID(tt.orgID); got != tt.want {
				t.Errorf("NormalizeOrgID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf)
	child := WithLogger(logger, "component", "queue")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected debug to be filtered at the default level, got %q", buf.String())
	}

	SetLogLevel(logger, log.DebugLevel)
	child = WithLogger(logger, "component", "queue")
	child.Debug("dispatched", "org", "00D1")
	out := buf.String()
	if !strings.Contains(out, "dispatched") || !strings.Contains(out, "component=queue") {
		t.Errorf("expected child fields in output, got %q", out)
	}
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	if len(a) != 36 || a == b {
		t.Errorf("expected distinct uuids, got %q and %q", a, b)
	}
}
