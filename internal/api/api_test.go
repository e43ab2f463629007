package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/sentryd/internal/alarm"
	"github.com/sentrynode/sentryd/internal/api"
	"github.com/sentrynode/sentryd/internal/event"
	"github.com/sentrynode/sentryd/internal/state"
)

type fakeEngine struct {
	snap    state.Snapshot
	cfg     alarm.Config
	pairing bool
}

func (f *fakeEngine) Snapshot() state.Snapshot   { return f.snap }
func (f *fakeEngine) Config() alarm.Config       { return f.cfg }
func (f *fakeEngine) SetConfig(cfg alarm.Config) { f.cfg = cfg }
func (f *fakeEngine) Pairing() bool              { return f.pairing }
func (f *fakeEngine) SetPairingFor(on bool, _ time.Duration) { f.pairing = on }

type fakeBus struct {
	emitted []event.Event
	subCh   chan event.Envelope
}

func (f *fakeBus) Emit(e event.Event) { f.emitted = append(f.emitted, e) }
func (f *fakeBus) Subscribe() (<-chan event.Envelope, func()) {
	return f.subCh, func() {}
}

func startTestServer(t *testing.T) (*http.Client, *fakeEngine, *fakeBus, string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "sentryd.sock")
	eng := &fakeEngine{snap: state.Snapshot{State: state.Disarmed}}
	b := &fakeBus{subCh: make(chan event.Envelope, 10)}
	srv := api.New(eng, b, b, api.WithSockFile(sockPath))

	go srv.ListenAndServe()
	t.Cleanup(func() { srv.Close() })

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", sockPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", sockPath)
			},
		},
	}
	return client, eng, b, sockPath
}

func TestStatusReturnsSnapshot(t *testing.T) {
	client, eng, _, _ := startTestServer(t)
	eng.snap = state.Snapshot{State: state.Armed, SirenOn: false}

	resp, err := client.Get("http://unix/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got state.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, state.Armed, got.State)
}

func TestArmEmitsUserArmAndReturnsSnapshot(t *testing.T) {
	client, _, b, _ := startTestServer(t)

	resp, err := client.Post("http://unix/v1/arm", "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, b.emitted, 1)
	arm, ok := b.emitted[0].(event.UserArm)
	require.True(t, ok)
	assert.Equal(t, event.OriginLocal, arm.Origin)
}

func TestDisarmWithAutoRearmBody(t *testing.T) {
	client, _, b, _ := startTestServer(t)

	body := bytes.NewBufferString(`{"auto_rearm_s":30}`)
	resp, err := client.Post("http://unix/v1/disarm", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, b.emitted, 1)
	disarm, ok := b.emitted[0].(event.UserDisarm)
	require.True(t, ok)
	require.NotNil(t, disarm.AutoRearm)
	assert.Equal(t, 30*time.Second, *disarm.AutoRearm)
}

func TestHealthReportsOk(t *testing.T) {
	client, _, _, _ := startTestServer(t)

	resp, err := client.Get("http://unix/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "ok", got["status"])
}

func TestConfigRoundTrip(t *testing.T) {
	client, eng, _, _ := startTestServer(t)
	eng.cfg = alarm.Config{DefaultExitDelay: 10 * time.Second}

	resp, err := client.Get("http://unix/v1/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, float64(10), got["default_exit_delay_s"])

	body := bytes.NewBufferString(`{"default_exit_delay_s":20}`)
	req, err := http.NewRequest(http.MethodPut, "http://unix/v1/config", body)
	require.NoError(t, err)
	resp2, err := client.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, 20*time.Second, eng.Config().DefaultExitDelay)
}

func TestPairingTogglesAndReports(t *testing.T) {
	client, _, _, _ := startTestServer(t)

	body := bytes.NewBufferString(`{"enable":true}`)
	resp, err := client.Post("http://unix/v1/ble/pairing", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, true, got["pairing"])
}

func TestSirenControlEndpoint(t *testing.T) {
	client, _, b, _ := startTestServer(t)

	body := bytes.NewBufferString(`{"on":true,"duration_s":5}`)
	resp, err := client.Post("http://unix/v1/siren", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, b.emitted, 1)
	siren, ok := b.emitted[0].(event.SirenControl)
	require.True(t, ok)
	assert.True(t, siren.On)
	require.NotNil(t, siren.Duration)
	assert.Equal(t, 5*time.Second, *siren.Duration)
}

func dialTestWS(t *testing.T, sockPath string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return net.Dial("unix", sockPath)
		},
	}
	conn, _, err := dialer.Dial("ws://unix/v1/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWsStreamsBroadcastEnvelopes(t *testing.T) {
	_, _, b, sockPath := startTestServer(t)
	conn := dialTestWS(t, sockPath)

	// The server subscribes asynchronously on upgrade; retry the send
	// until a reader is attached so the envelope isn't dropped.
	deadline := time.After(time.Second)
	var got event.Envelope
	readDone := make(chan error, 1)
	go func() { readDone <- conn.ReadJSON(&got) }()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
sendLoop:
	for {
		select {
		case <-ticker.C:
			select {
			case b.subCh <- event.Envelope{ClientID: "agent-1", Event: event.DoorOpen{}}:
			default:
			}
		case err := <-readDone:
			require.NoError(t, err)
			break sendLoop
		case <-deadline:
			t.Fatal("did not receive broadcast envelope")
		}
	}

	assert.Equal(t, "agent-1", got.ClientID)
	assert.IsType(t, event.DoorOpen{}, got.Event)
}

func TestWsTranslatesCommandToAck(t *testing.T) {
	_, _, b, sockPath := startTestServer(t)
	conn := dialTestWS(t, sockPath)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"cmd","name":"arm","id":"req-1"}`)))

	var ack struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		OK   bool   `json:"ok"`
	}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "ack", ack.Type)
	assert.Equal(t, "req-1", ack.ID)
	assert.True(t, ack.OK)

	require.Len(t, b.emitted, 1)
	arm, ok := b.emitted[0].(event.UserArm)
	require.True(t, ok)
	assert.Equal(t, event.OriginWs, arm.Origin)
}
