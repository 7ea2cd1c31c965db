package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sos-guardian/internal/episode"
	"sos-guardian/internal/models"
	"sos-guardian/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================
// 测试替身
// ============================================

type fakeCoordinator struct {
	episode    *models.EmergencyEpisode
	triggerErr error
	deactErr   error
	getErr     error
	history    []*models.EmergencyEpisode
	historyErr error
}

func (f *fakeCoordinator) Trigger(ctx context.Context, req *episode.TriggerRequest) (*models.EmergencyEpisode, error) {
	return f.episode, f.triggerErr
}

func (f *fakeCoordinator) Deactivate(ctx context.Context, ownerID string, confirmedSafe bool) (*models.EmergencyEpisode, error) {
	if f.deactErr != nil {
		return nil, f.deactErr
	}
	return f.episode, nil
}

func (f *fakeCoordinator) Get(ctx context.Context, episodeID string) (*models.EmergencyEpisode, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.episode, nil
}

func (f *fakeCoordinator) History(ctx context.Context, ownerID string) ([]*models.EmergencyEpisode, error) {
	return f.history, f.historyErr
}

type fakeDelivery struct {
	summary *models.DeliverySummary
}

func (f *fakeDelivery) DeliveryStatus(ctx context.Context, episodeID string) (*models.DeliverySummary, error) {
	return f.summary, nil
}

type fakeQueueReader struct {
	unfinished int
}

func (f *fakeQueueReader) UnfinishedCount(ctx context.Context, episodeID string) (int, error) {
	return f.unfinished, nil
}

func activeEpisode() *models.EmergencyEpisode {
	return &models.EmergencyEpisode{
		EpisodeID:        "episode-1",
		TenantID:         "tenant-1",
		OwnerID:          "owner-1",
		State:            models.EpisodeStateActive,
		ActivationMethod: models.ActivationManualButton,
		StartedAt:        time.Now(),
	}
}

type fakeContactDirectory struct {
	added     []*models.TrustedContact
	removed   []string
	addErr    error
	removeErr error
}

func (f *fakeContactDirectory) AddTrustedContact(ctx context.Context, tenantID string, contact *models.TrustedContact) error {
	if f.addErr != nil {
		return f.addErr
	}
	if contact.ContactID == "" {
		contact.ContactID = "contact-1"
	}
	f.added = append(f.added, contact)
	return nil
}

func (f *fakeContactDirectory) RemoveTrustedContact(ctx context.Context, tenantID, contactID string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, contactID)
	return nil
}

func newTestServer(coordinator *fakeCoordinator, delivery *fakeDelivery, queue *fakeQueueReader) *Server {
	return newTestServerWithContacts(coordinator, delivery, queue, &fakeContactDirectory{})
}

func newTestServerWithContacts(coordinator *fakeCoordinator, delivery *fakeDelivery, queue *fakeQueueReader, contacts *fakeContactDirectory) *Server {
	if delivery == nil {
		delivery = &fakeDelivery{summary: &models.DeliverySummary{EpisodeID: "episode-1"}}
	}
	if queue == nil {
		queue = &fakeQueueReader{}
	}
	return NewServer(":0", "tenant-1", coordinator, delivery, queue, contacts, zap.NewNop())
}

func doRequest(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

// ============================================
// 触发接口测试
// ============================================

func TestHandleActivate_Accepted(t *testing.T) {
	s := newTestServer(&fakeCoordinator{episode: activeEpisode()}, nil, nil)

	rec := doRequest(s, http.MethodPost, "/api/sos/activate", reqBody{
		"owner_id":          "owner-1",
		"activation_method": "manual_button",
		"stealth_mode":      true,
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Episode models.EmergencyEpisode `json:"episode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "episode-1", resp.Episode.EpisodeID)
}

// 已有进行中事件：409 并返回该事件
func TestHandleActivate_Conflict(t *testing.T) {
	s := newTestServer(&fakeCoordinator{
		episode:    activeEpisode(),
		triggerErr: episode.ErrAlreadyActive,
	}, nil, nil)

	rec := doRequest(s, http.MethodPost, "/api/sos/activate", reqBody{
		"owner_id":          "owner-1",
		"activation_method": "manual_button",
	})

	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp struct {
		Error   string                  `json:"error"`
		Episode models.EmergencyEpisode `json:"episode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "episode-1", resp.Episode.EpisodeID)
}

func TestHandleActivate_BadRequest(t *testing.T) {
	s := newTestServer(&fakeCoordinator{}, nil, nil)

	// 缺少必填字段
	rec := doRequest(s, http.MethodPost, "/api/sos/activate", reqBody{"owner_id": "owner-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 非法触发方式
	s = newTestServer(&fakeCoordinator{triggerErr: episode.ErrInvalidActivationMethod}, nil, nil)
	rec = doRequest(s, http.MethodPost, "/api/sos/activate", reqBody{
		"owner_id":          "owner-1",
		"activation_method": "voice_command",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleActivate_InternalError(t *testing.T) {
	s := newTestServer(&fakeCoordinator{triggerErr: errors.New("database down")}, nil, nil)

	rec := doRequest(s, http.MethodPost, "/api/sos/activate", reqBody{
		"owner_id":          "owner-1",
		"activation_method": "manual_button",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// ============================================
// 解除接口测试
// ============================================

func TestHandleDeactivate_OK(t *testing.T) {
	closed := activeEpisode()
	closed.State = models.EpisodeStateIdle
	s := newTestServer(&fakeCoordinator{episode: closed}, nil, nil)

	rec := doRequest(s, http.MethodPost, "/api/sos/deactivate", reqBody{
		"owner_id":       "owner-1",
		"confirmed_safe": true,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleDeactivate_ConfirmationRequired(t *testing.T) {
	s := newTestServer(&fakeCoordinator{deactErr: episode.ErrConfirmationRequired}, nil, nil)

	rec := doRequest(s, http.MethodPost, "/api/sos/deactivate", reqBody{
		"owner_id":       "owner-1",
		"confirmed_safe": false,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDeactivate_NoActiveEpisode(t *testing.T) {
	s := newTestServer(&fakeCoordinator{deactErr: episode.ErrNotActive}, nil, nil)

	rec := doRequest(s, http.MethodPost, "/api/sos/deactivate", reqBody{
		"owner_id":       "owner-1",
		"confirmed_safe": true,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ============================================
// 查询接口测试
// ============================================

func TestHandleEpisodeHistory(t *testing.T) {
	s := newTestServer(&fakeCoordinator{
		history: []*models.EmergencyEpisode{activeEpisode()},
	}, nil, nil)

	rec := doRequest(s, http.MethodGet, "/api/sos/episodes/owner-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Episodes []models.EmergencyEpisode `json:"episodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Episodes, 1)
}

func TestHandleEpisodeHistory_Empty(t *testing.T) {
	s := newTestServer(&fakeCoordinator{}, nil, nil)

	rec := doRequest(s, http.MethodGet, "/api/sos/episodes/owner-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	// 空历史返回空数组而不是 null
	assert.Contains(t, rec.Body.String(), `"episodes":[]`)
}

func TestHandleEpisodeStatus(t *testing.T) {
	s := newTestServer(
		&fakeCoordinator{episode: activeEpisode()},
		&fakeDelivery{summary: &models.DeliverySummary{EpisodeID: "episode-1", Total: 5, Notified: 3}},
		&fakeQueueReader{unfinished: 2},
	)

	rec := doRequest(s, http.MethodGet, "/api/sos/status/episode-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Episode         models.EmergencyEpisode `json:"episode"`
		Delivery        models.DeliverySummary  `json:"delivery"`
		UnfinishedItems int                     `json:"unfinished_items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "episode-1", resp.Episode.EpisodeID)
	assert.Equal(t, 3, resp.Delivery.Notified)
	assert.Equal(t, 2, resp.UnfinishedItems)
}

func TestHandleEpisodeStatus_NotFound(t *testing.T) {
	s := newTestServer(&fakeCoordinator{getErr: episode.ErrEpisodeNotFound}, nil, nil)

	rec := doRequest(s, http.MethodGet, "/api/sos/status/episode-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ============================================
// 联系人管理接口测试
// ============================================

func TestHandleAddContact_Created(t *testing.T) {
	contacts := &fakeContactDirectory{}
	s := newTestServerWithContacts(&fakeCoordinator{}, nil, nil, contacts)

	rec := doRequest(s, http.MethodPost, "/api/sos/contacts", reqBody{
		"owner_id":     "owner-1",
		"name":         "Asha",
		"phone":        "+911234567890",
		"relationship": "sister",
		"is_primary":   true,
		"channels":     []string{"sms", "push"},
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, contacts.added, 1)
	added := contacts.added[0]
	assert.Equal(t, "tenant-1", added.TenantID)
	assert.Equal(t, "owner-1", added.OwnerID)
	assert.True(t, added.IsPrimary)
	assert.Equal(t, []models.NotifyChannel{models.ChannelSMS, models.ChannelPush}, added.Channels)

	var resp struct {
		Contact models.TrustedContact `json:"contact"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "contact-1", resp.Contact.ContactID)
}

func TestHandleAddContact_BadRequest(t *testing.T) {
	s := newTestServer(&fakeCoordinator{}, nil, nil)

	// 缺少必填字段
	rec := doRequest(s, http.MethodPost, "/api/sos/contacts", reqBody{"owner_id": "owner-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 非法通知渠道
	rec = doRequest(s, http.MethodPost, "/api/sos/contacts", reqBody{
		"owner_id": "owner-1",
		"name":     "Asha",
		"phone":    "+911234567890",
		"channels": []string{"carrier_pigeon"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAddContact_StoreError(t *testing.T) {
	contacts := &fakeContactDirectory{addErr: errors.New("database down")}
	s := newTestServerWithContacts(&fakeCoordinator{}, nil, nil, contacts)

	rec := doRequest(s, http.MethodPost, "/api/sos/contacts", reqBody{
		"owner_id": "owner-1",
		"name":     "Asha",
		"phone":    "+911234567890",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleRemoveContact(t *testing.T) {
	contacts := &fakeContactDirectory{}
	s := newTestServerWithContacts(&fakeCoordinator{}, nil, nil, contacts)

	rec := doRequest(s, http.MethodDelete, "/api/sos/contacts/contact-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"contact-1"}, contacts.removed)
}

func TestHandleRemoveContact_NotFound(t *testing.T) {
	contacts := &fakeContactDirectory{
		removeErr: fmt.Errorf("%w: contact_id=contact-missing", repository.ErrContactNotFound),
	}
	s := newTestServerWithContacts(&fakeCoordinator{}, nil, nil, contacts)

	rec := doRequest(s, http.MethodDelete, "/api/sos/contacts/contact-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(&fakeCoordinator{}, nil, nil)

	rec := doRequest(s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// reqBody 测试请求体简写
type reqBody = map[string]interface{}
