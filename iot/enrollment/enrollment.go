// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package enrollment provides the RESTful api to whitelist devices for rotation

	PUT    /devices/{serial_number}/rotation   {"manufacturer_ca_cert_id": "..."}
	GET    /devices/{serial_number}/rotation
	DELETE /devices/{serial_number}/rotation
	POST   /devices/rotation                   {"serial_numbers": [...], "manufacturer_ca_cert_id": "..."}

A whitelisted device starts in state WHITELISTED. Enrolling an existing device fails
with http.StatusConflict, the rotation state of a device is never reset through the api.
All routes require a bearer token with role "admin".
*/
package enrollment

import (
	"context"
	"embed"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/certrotation/core/logger"
	"github.com/relabs-tech/certrotation/core/schema"
	"github.com/relabs-tech/certrotation/rotation"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaEnrollment = "https://relabs.tech/schemas/cert-rotation/enrollment.json"
	schemaWhitelist  = "https://relabs.tech/schemas/cert-rotation/whitelist.json"
)

// API is the enrollment api
type API struct {
	store           rotation.Store
	defaultCACertID string
	validator       *schema.Validator
	clock           func() time.Time
}

// Builder is a builder helper for the API
type Builder struct {
	// Store holds the device records. This is mandatory.
	Store rotation.Store
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// JWTSecret verifies the bearer tokens. This is mandatory.
	JWTSecret []byte
	// DefaultManufacturerCACertID is used when a request does not name the CA
	DefaultManufacturerCACertID string
	// Clock defaults to time.Now
	Clock func() time.Time
}

// Enrollment is the body of an enrollment request
type Enrollment struct {
	ManufacturerCACertID string `json:"manufacturer_ca_cert_id,omitempty"`
}

// Whitelist is the body of a bulk enrollment request
type Whitelist struct {
	SerialNumbers        []string `json:"serial_numbers"`
	ManufacturerCACertID string   `json:"manufacturer_ca_cert_id,omitempty"`
}

// WhitelistResult lists which devices were created and which existed already
type WhitelistResult struct {
	Created  []string `json:"created"`
	Existing []string `json:"existing"`
}

// NewAPI realizes the enrollment api and adds its routes to the router. It installs
// request ids, compression and bearer token authorization on the router.
func NewAPI(b *Builder) *API {
	if b.Store == nil {
		panic("store is missing")
	}
	if b.Router == nil {
		panic("router is missing")
	}
	sub, err := fs.Sub(schemaFS, "schemas")
	if err != nil {
		panic(err)
	}
	validator, err := schema.NewValidatorFromFS(sub)
	if err != nil {
		panic(err)
	}
	clock := b.Clock
	if clock == nil {
		clock = time.Now
	}
	a := &API{
		store:           b.Store,
		defaultCACertID: b.DefaultManufacturerCACertID,
		validator:       validator,
		clock:           clock,
	}

	logger.AddRequestID(b.Router)
	b.Router.Use(func(h http.Handler) http.Handler {
		return handlers.CompressHandler(h)
	})
	b.Router.Use(NewJwtMiddleware(b.JWTSecret))
	a.handleRoutes(b.Router)
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("enrollment: handle route /devices/rotation POST")
	rlog.Debugln("enrollment: handle route /devices/{serial_number}/rotation GET,PUT,DELETE")

	router.HandleFunc("/devices/rotation", a.admin(a.whitelist)).Methods(http.MethodPost)
	router.HandleFunc("/devices/{serial_number}/rotation", a.admin(a.enroll)).Methods(http.MethodPut)
	router.HandleFunc("/devices/{serial_number}/rotation", a.admin(a.get)).Methods(http.MethodGet)
	router.HandleFunc("/devices/{serial_number}/rotation", a.admin(a.delete)).Methods(http.MethodDelete)
}

func (a *API) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !AuthorizationFromContext(r.Context()).HasRole(RoleAdmin) {
			http.Error(w, "role "+RoleAdmin+" required", http.StatusForbidden)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rotation.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, rotation.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, rotation.ErrStoreUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// readBody validates the request body against the schema and decodes it. An empty body
// is treated as an empty object.
func (a *API) readBody(r *http.Request, schemaID string, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := a.validator.ValidateBytes(body, schemaID); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func (a *API) caCertID(requested string) string {
	if requested != "" {
		return requested
	}
	return a.defaultCACertID
}

// create stores a new whitelisted record. It fails with rotation.ErrConflict if the
// device is known already.
func (a *API) create(ctx context.Context, serialNumber, caCertID string) (rotation.Record, error) {
	rec := rotation.NewRecord(serialNumber, caCertID)
	rec.UpdatedAt = a.clock().UTC()
	if err := rec.Validate(); err != nil {
		return rec, err
	}
	return a.store.Swap(ctx, rotation.Record{SerialNumber: serialNumber}, rec)
}

func (a *API) enroll(w http.ResponseWriter, r *http.Request) {
	serialNumber := mux.Vars(r)["serial_number"]
	ctx, rlog := logger.ContextWithSerialNumber(r.Context(), serialNumber)
	if err := rotation.ValidateSerialNumber(serialNumber); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var enrollment Enrollment
	if err := a.readBody(r, schemaEnrollment, &enrollment); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	caCertID := a.caCertID(enrollment.ManufacturerCACertID)
	if caCertID == "" {
		http.Error(w, "manufacturer_ca_cert_id is required", http.StatusBadRequest)
		return
	}

	rec, err := a.create(ctx, serialNumber, caCertID)
	if err != nil {
		if errors.Is(err, rotation.ErrConflict) {
			rlog.Infoln("device is already enrolled")
		} else {
			rlog.WithError(err).Errorln("cannot enroll device")
		}
		storeError(w, err)
		return
	}
	rlog.Infof("enrolled device with manufacturer CA %s", caCertID)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	serialNumber := mux.Vars(r)["serial_number"]
	ctx, _ := logger.ContextWithSerialNumber(r.Context(), serialNumber)
	rec, err := a.store.Get(ctx, serialNumber)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) delete(w http.ResponseWriter, r *http.Request) {
	serialNumber := mux.Vars(r)["serial_number"]
	ctx, rlog := logger.ContextWithSerialNumber(r.Context(), serialNumber)
	if _, err := a.store.Get(ctx, serialNumber); err != nil {
		storeError(w, err)
		return
	}
	if err := a.store.Delete(ctx, serialNumber); err != nil {
		storeError(w, err)
		return
	}
	rlog.Infoln("removed device from rotation")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) whitelist(w http.ResponseWriter, r *http.Request) {
	ctx, rlog := logger.ContextWithLogger(r.Context())
	var list Whitelist
	if err := a.readBody(r, schemaWhitelist, &list); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	caCertID := a.caCertID(list.ManufacturerCACertID)
	if caCertID == "" {
		http.Error(w, "manufacturer_ca_cert_id is required", http.StatusBadRequest)
		return
	}

	result := WhitelistResult{Created: []string{}, Existing: []string{}}
	for _, serialNumber := range list.SerialNumbers {
		_, err := a.create(ctx, serialNumber, caCertID)
		switch {
		case err == nil:
			result.Created = append(result.Created, serialNumber)
		case errors.Is(err, rotation.ErrConflict):
			result.Existing = append(result.Existing, serialNumber)
		default:
			rlog.WithError(err).Errorf("cannot enroll %s", serialNumber)
			storeError(w, err)
			return
		}
	}
	rlog.Infof("whitelisted %d devices, %d were known", len(result.Created), len(result.Existing))
	writeJSON(w, http.StatusOK, result)
}
