package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsc-chain/mining-ledger/internal/records"
)

func ackServer(t *testing.T, status int, body map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitReturnsRemoteID(t *testing.T) {
	srv := ackServer(t, http.StatusOK, map[string]interface{}{
		"success":  true,
		"remoteId": "remote-42",
	})
	s := NewHTTPSubmitter(srv.URL, "key", srv.Client())

	r := records.NewRewardRecord(1.5, "s1", nil, time.Now())
	remoteID, err := s.Submit(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "remote-42", remoteID)
}

func TestSubmitSendsPayloadAndAuth(t *testing.T) {
	var gotAuth string
	var payload rewardPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "remoteId": "r-1"})
	}))
	defer srv.Close()
	s := NewHTTPSubmitter(srv.URL, "secret-key", srv.Client())

	r := records.NewRewardRecord(2, "s1", map[string]string{"source": "mining"}, time.Now())
	_, err := s.Submit(context.Background(), r)
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, r.ID, payload.ID)
	assert.Equal(t, r.ContentHash, payload.Hash)
}

func TestSubmitRejectsUnacknowledgedResponse(t *testing.T) {
	srv := ackServer(t, http.StatusOK, map[string]interface{}{
		"success": false,
	})
	s := NewHTTPSubmitter(srv.URL, "key", srv.Client())

	r := records.NewRewardRecord(1, "s1", nil, time.Now())
	_, err := s.Submit(context.Background(), r)
	require.Error(t, err, "a 2xx body without success:true is not an ack")
}

func TestSubmitRejectsMissingRemoteID(t *testing.T) {
	srv := ackServer(t, http.StatusOK, map[string]interface{}{
		"success": true,
	})
	s := NewHTTPSubmitter(srv.URL, "key", srv.Client())

	r := records.NewRewardRecord(1, "s1", nil, time.Now())
	_, err := s.Submit(context.Background(), r)
	require.Error(t, err)
}

func TestSubmitSurfacesBackendError(t *testing.T) {
	srv := ackServer(t, http.StatusOK, map[string]interface{}{
		"success": false,
		"error":   "quota exceeded",
	})
	s := NewHTTPSubmitter(srv.URL, "key", srv.Client())

	r := records.NewRewardRecord(1, "s1", nil, time.Now())
	_, err := s.Submit(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestSubmitRejectsNon2xx(t *testing.T) {
	srv := ackServer(t, http.StatusInternalServerError, map[string]interface{}{
		"success":  true,
		"remoteId": "r-1",
	})
	s := NewHTTPSubmitter(srv.URL, "key", srv.Client())

	r := records.NewRewardRecord(1, "s1", nil, time.Now())
	_, err := s.Submit(context.Background(), r)
	require.Error(t, err)
}
