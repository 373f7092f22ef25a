package alert

import (
	"context"
	"testing"

	"github.com/md-rashed-zaman/tenantflow/libs/runtime"
	"github.com/md-rashed-zaman/tenantflow/services/workspace-service/internal/push"
	"github.com/stretchr/testify/require"
)

func TestOperatorAlerterPushesWithTrace(t *testing.T) {
	var sender push.RecordingSender
	a := NewOperatorAlerter(runtime.NopLogger(), &sender, "ops")

	require.NoError(t, a.Alert(context.Background(), Alert{
		Severity: SeverityCritical, Title: "security block", TraceID: "t-1", Reason: "boom",
	}))

	sent := sender.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "ops", sent[0].Target)
	require.Equal(t, "operator_alert", sent[0].Payload.Kind)
	require.Equal(t, "t-1", sent[0].Payload.Metadata[push.MetaTraceID])
}
