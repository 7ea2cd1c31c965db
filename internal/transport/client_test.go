package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sos-guardian/internal/models"
	"sos-guardian/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturedRequest struct {
	path           string
	idempotencyKey string
	authorization  string
	body           map[string]interface{}
}

// newBackend 模拟平台后端，记录收到的请求
func newBackend(t *testing.T, status int, response string) (*httptest.Server, *[]capturedRequest) {
	var mu sync.Mutex
	var captured []capturedRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)

		mu.Lock()
		captured = append(captured, capturedRequest{
			path:           r.URL.Path,
			idempotencyKey: r.Header.Get("X-Idempotency-Key"),
			authorization:  r.Header.Get("Authorization"),
			body:           body,
		})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)

	return server, &captured
}

func TestPostActivation_SendsIdempotencyKey(t *testing.T) {
	server, captured := newBackend(t, http.StatusOK, `{"success":true}`)
	client := NewClient(server.URL, "secret-key", 5*time.Second, zap.NewNop())

	err := client.PostActivation(context.Background(), "item-1", "episode-1", &models.LocationPingPayload{
		OwnerID:          "owner-1",
		ActivationMethod: models.ActivationManualButton,
		StealthMode:      true,
		Phase:            models.PingPhaseActivation,
	})
	require.NoError(t, err)

	require.Len(t, *captured, 1)
	req := (*captured)[0]
	assert.Equal(t, "/sos/activate", req.path)
	assert.Equal(t, "item-1", req.idempotencyKey)
	assert.Equal(t, "Bearer secret-key", req.authorization)
	assert.Equal(t, "episode-1", req.body["episode_id"])
	assert.Equal(t, "owner-1", req.body["owner_id"])
	assert.Equal(t, true, req.body["stealth_mode"])
	assert.Equal(t, "activation", req.body["phase"])
	// 无定位时显式传 null
	assert.Nil(t, req.body["location"])
}

func TestNotifyContact(t *testing.T) {
	server, captured := newBackend(t, http.StatusOK, `{"success":true}`)
	client := NewClient(server.URL, "", 5*time.Second, zap.NewNop())

	err := client.NotifyContact(context.Background(), "item-2", "episode-1", &models.ContactNotifyPayload{
		RecipientID: "contact-1",
		Channel:     models.ChannelSMS,
		Phone:       "+911234567890",
		Message:     "SOS activated",
	})
	require.NoError(t, err)

	require.Len(t, *captured, 1)
	req := (*captured)[0]
	assert.Equal(t, "/sos/notify", req.path)
	assert.Equal(t, "item-2", req.idempotencyKey)
	assert.Empty(t, req.authorization)
	assert.Equal(t, "sms", req.body["channel"])
}

func TestUploadSegment(t *testing.T) {
	server, captured := newBackend(t, http.StatusOK, `{"success":true}`)
	client := NewClient(server.URL, "", 5*time.Second, zap.NewNop())

	err := client.UploadSegment(context.Background(), "item-3", "episode-1", &models.EvidenceUploadPayload{
		SegmentID: "segment-1",
		MediaType: models.MediaTypeAudio,
		SizeBytes: 4,
		SHA256:    "deadbeef",
	}, []byte{0x01, 0x02, 0x03, 0x04})
	require.NoError(t, err)

	require.Len(t, *captured, 1)
	req := (*captured)[0]
	assert.Equal(t, "/sos/media", req.path)
	assert.Equal(t, "segment-1", req.body["segment_id"])
	// []byte 在 JSON 里是 base64
	assert.Equal(t, "AQIDBA==", req.body["content"])
}

func TestClient_HTTPErrorStatus(t *testing.T) {
	server, _ := newBackend(t, http.StatusBadGateway, `{"success":false}`)
	client := NewClient(server.URL, "", 5*time.Second, zap.NewNop())

	err := client.PostActivation(context.Background(), "item-1", "episode-1", &models.LocationPingPayload{
		OwnerID: "owner-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

// 后端 200 但业务拒绝也算投递失败
func TestClient_BusinessRejection(t *testing.T) {
	server, _ := newBackend(t, http.StatusOK, `{"success":false,"message":"unknown owner"}`)
	client := NewClient(server.URL, "", 5*time.Second, zap.NewNop())

	err := client.NotifyContact(context.Background(), "item-1", "episode-1", &models.ContactNotifyPayload{
		RecipientID: "contact-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown owner")
}

// ============================================
// Router 测试
// ============================================

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][]byte
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string][]byte)
	}
	f.messages[topic] = payload
	return nil
}

func TestRouter_DeliverLocationPing(t *testing.T) {
	server, captured := newBackend(t, http.StatusOK, `{"success":true}`)
	client := NewClient(server.URL, "", 5*time.Second, zap.NewNop())
	router := NewRouter(client, &fakePublisher{}, "guardian/contacts/", 1, zap.NewNop())

	item, err := queue.NewItem("episode-1", models.WorkItemLocationPing, &models.LocationPingPayload{
		OwnerID: "owner-1",
		Phase:   models.PingPhasePing,
	})
	require.NoError(t, err)

	require.NoError(t, router.Deliver(context.Background(), item))
	require.Len(t, *captured, 1)
	assert.Equal(t, "/sos/activate", (*captured)[0].path)
	assert.Equal(t, item.ItemID, (*captured)[0].idempotencyKey)
}

func TestRouter_DeliverEvidenceReadsSegmentFile(t *testing.T) {
	server, captured := newBackend(t, http.StatusOK, `{"success":true}`)
	client := NewClient(server.URL, "", 5*time.Second, zap.NewNop())
	router := NewRouter(client, &fakePublisher{}, "guardian/contacts/", 1, zap.NewNop())

	path := filepath.Join(t.TempDir(), "segment-1.audio.enc")
	require.NoError(t, os.WriteFile(path, []byte("sealed bytes"), 0o600))

	item, err := queue.NewItem("episode-1", models.WorkItemEvidenceUpload, &models.EvidenceUploadPayload{
		SegmentID:   "segment-1",
		MediaType:   models.MediaTypeAudio,
		StoragePath: path,
		SizeBytes:   12,
		SHA256:      "deadbeef",
	})
	require.NoError(t, err)

	require.NoError(t, router.Deliver(context.Background(), item))
	require.Len(t, *captured, 1)
	assert.Equal(t, "/sos/media", (*captured)[0].path)
}

// 分段文件丢失：投递失败交给队列重试/放弃
func TestRouter_DeliverEvidenceMissingFile(t *testing.T) {
	server, _ := newBackend(t, http.StatusOK, `{"success":true}`)
	client := NewClient(server.URL, "", 5*time.Second, zap.NewNop())
	router := NewRouter(client, &fakePublisher{}, "guardian/contacts/", 1, zap.NewNop())

	item, err := queue.NewItem("episode-1", models.WorkItemEvidenceUpload, &models.EvidenceUploadPayload{
		SegmentID:   "segment-1",
		StoragePath: "/nonexistent/segment.enc",
	})
	require.NoError(t, err)

	err = router.Deliver(context.Background(), item)
	assert.Error(t, err)
}

func TestRouter_DeliverPushNotification(t *testing.T) {
	server, captured := newBackend(t, http.StatusOK, `{"success":true}`)
	client := NewClient(server.URL, "", 5*time.Second, zap.NewNop())
	publisher := &fakePublisher{}
	router := NewRouter(client, publisher, "guardian/contacts/", 1, zap.NewNop())

	item, err := queue.NewItem("episode-1", models.WorkItemContactNotify, &models.ContactNotifyPayload{
		RecipientID: "contact-1",
		Channel:     models.ChannelPush,
		Message:     "SOS activated",
	})
	require.NoError(t, err)

	require.NoError(t, router.Deliver(context.Background(), item))

	// push 渠道不经过 HTTP 后端
	assert.Empty(t, *captured)

	payload, exists := publisher.messages["guardian/contacts/contact-1"]
	require.True(t, exists)

	var message map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &message))
	assert.Equal(t, "episode-1", message["episode_id"])
	assert.Equal(t, "SOS activated", message["message"])
}

func TestRouter_DeliverUnknownKind(t *testing.T) {
	router := NewRouter(nil, nil, "", 1, zap.NewNop())

	err := router.Deliver(context.Background(), &models.QueuedWorkItem{
		ItemID: "item-1",
		Kind:   "telepathy",
	})
	assert.Error(t, err)
}
