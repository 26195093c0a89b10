package opsstream

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofreceptor/sync-engine/engine/perfmon"
	"github.com/ofreceptor/sync-engine/engine/resourcemgr"
	"github.com/ofreceptor/sync-engine/infrastructure/testutil"
)

func TestStream_PushesSnapshots(t *testing.T) {
	monitor := perfmon.New(time.Minute, nil)
	monitor.Record("sync", true, false, 20*time.Millisecond)
	manager := resourcemgr.New(resourcemgr.DefaultConfig(monitor, nil))

	srv := testutil.NewHTTPTestServer(t, New(manager, monitor, 50*time.Millisecond, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first, second Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	assert.Len(t, first.Utilization, len(resourcemgr.AllClasses))
	assert.Positive(t, first.BatchSize)
	assert.NotZero(t, first.Recommendations.BatchSize)
	assert.False(t, second.Timestamp.Before(first.Timestamp))
}
