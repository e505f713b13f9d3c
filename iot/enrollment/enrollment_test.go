// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package enrollment_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/certrotation/iot/enrollment"
	"github.com/relabs-tech/certrotation/rotation"
	"github.com/relabs-tech/certrotation/store"
)

var secret = []byte("enrollment-test-secret")

type fixture struct {
	store  *store.Memory
	router *mux.Router
	token  string
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{store: store.NewMemory(), router: mux.NewRouter()}
	enrollment.NewAPI(&enrollment.Builder{
		Store:                       f.store,
		Router:                      f.router,
		JWTSecret:                   secret,
		DefaultManufacturerCACertID: "default-ca",
		Clock:                       func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) },
	})
	var err error
	f.token, err = enrollment.NewToken(secret, "operator", enrollment.RoleAdmin)
	require.NoError(t, err)
	return f
}

func (f *fixture) do(method, path, body, token string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func TestEnrollmentLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPut, "/devices/SN-1/rotation", `{"manufacturer_ca_cert_id":"man-ca"}`, f.token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rec rotation.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, rotation.StateWhitelisted, rec.State)
	assert.Equal(t, "man-ca", rec.ManufacturerCACertID)
	assert.Equal(t, int64(1), rec.Version)

	w = f.do(http.MethodPut, "/devices/SN-1/rotation", `{}`, f.token)
	assert.Equal(t, http.StatusConflict, w.Code, "enrollment never resets a device")

	w = f.do(http.MethodGet, "/devices/SN-1/rotation", "", f.token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"WHITELISTED"`)

	w = f.do(http.MethodDelete, "/devices/SN-1/rotation", "", f.token)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(http.MethodDelete, "/devices/SN-1/rotation", "", f.token)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(http.MethodGet, "/devices/SN-1/rotation", "", f.token)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnrollmentUsesDefaultCA(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPut, "/devices/SN-2/rotation", "", f.token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	rec, err := f.store.Get(context.Background(), "SN-2")
	require.NoError(t, err)
	assert.Equal(t, "default-ca", rec.ManufacturerCACertID)
	assert.Equal(t, time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC), rec.UpdatedAt)
}

func TestEnrollmentRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/devices/SN-1/rotation", `{"unknown":1}`, f.token).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/devices/SN-1/rotation", `{"manufacturer_ca_cert_id":""}`, f.token).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/devices/SN+1/rotation", `{}`, f.token).Code)
}

func TestEnrollmentAuthorization(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/devices/SN-1/rotation", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/devices/SN-1/rotation", "", "garbage").Code)

	foreign, err := enrollment.NewToken([]byte("other secret"), "operator", enrollment.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/devices/SN-1/rotation", "", foreign).Code)

	viewer, err := enrollment.NewToken(secret, "viewer", "viewer")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/devices/SN-1/rotation", "", viewer).Code)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"roles": []string{"admin"}}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/devices/SN-1/rotation", "", none).Code)
}

func TestWhitelist(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPut, "/devices/SN-2/rotation", `{}`, f.token).Code)

	w := f.do(http.MethodPost, "/devices/rotation", `{"serial_numbers":["SN-1","SN-2","SN-3"],"manufacturer_ca_cert_id":"man-ca"}`, f.token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result enrollment.WhitelistResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, []string{"SN-1", "SN-3"}, result.Created)
	assert.Equal(t, []string{"SN-2"}, result.Existing)

	rec, err := f.store.Get(context.Background(), "SN-2")
	require.NoError(t, err)
	assert.Equal(t, "default-ca", rec.ManufacturerCACertID, "existing devices are not modified")

	w = f.do(http.MethodPost, "/devices/rotation", `{"serial_numbers":["SN/4"]}`, f.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(http.MethodPost, "/devices/rotation", `{"serial_numbers":[]}`, f.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
