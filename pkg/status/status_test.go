package status_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethercat-go/ecmaster/pkg/status"
)

func TestLogHandlerWarnsOnNotifyKinds(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)

	h := status.NewLogHandler(logger)
	h.Handle(status.Event{Kind: status.NotifySubdeviceNotFound, Alias: 5, Position: 2})

	out := buf.String()
	require.Contains(t, out, "level=warning")
	require.Contains(t, out, "alias=5")
	require.Contains(t, out, "position=2")
}

func TestLogHandlerInfoOnTraceKinds(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)

	h := status.NewLogHandler(logger)
	h.Handle(status.Event{Kind: status.ConfigureComplete})

	out := buf.String()
	require.Contains(t, out, "level=info")
	require.Contains(t, out, "CONFIGURE_COMPLETE")
}

func TestEventStringIncludesText(t *testing.T) {
	e := status.Event{Kind: status.FastIRQ, Text: "ok"}
	require.True(t, strings.HasPrefix(e.String(), "FAST_IRQ"))
	require.Contains(t, e.String(), "ok")
}

func TestNullHandlerDiscards(t *testing.T) {
	var h status.NullHandler
	h.Handle(status.Event{Kind: status.NotifyDCNotCapable})
}
