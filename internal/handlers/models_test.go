package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/middleware"
	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/services/orchestrator"
	"github.com/metergate/metergate/internal/services/registry"
	"github.com/metergate/metergate/internal/testutil"
)

func newCatalogHandler(t *testing.T) (*ModelsHandler, *gorm.DB) {
	t.Helper()

	db, cleanup := testutil.NewTestDB(t)
	t.Cleanup(cleanup)

	logger := zap.NewNop()
	registryService := registry.NewService(&registry.Config{DB: db, Logger: logger, TTL: time.Minute})
	auth := middleware.NewAuthenticator(nil, nil, logger)
	return NewModelsHandler(logger, registryService, auth), db
}

func seedCatalogRows(t *testing.T, db *gorm.DB) {
	t.Helper()

	rows := []models.Model{
		{ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o", IsAvailable: true, RequiredTier: models.TierFree},
		{ID: "claude-opus-4", Provider: "anthropic", DisplayName: "Claude Opus 4", IsAvailable: true, RequiredTier: models.TierPro},
		{ID: "gpt-3.5-turbo", Provider: "openai", DisplayName: "GPT-3.5 Turbo", IsAvailable: false, RequiredTier: models.TierFree},
		{ID: "davinci-002", Provider: "openai", DisplayName: "Davinci", IsAvailable: true, IsArchived: true, RequiredTier: models.TierFree},
	}
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}
}

func catalogGet(identity *middleware.Identity, target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if identity != nil {
		req = req.WithContext(middleware.WithIdentity(req.Context(), identity))
	}
	return req
}

func freeIdentity() *middleware.Identity {
	return &middleware.Identity{
		UserID: uuid.New(),
		Tier:   models.TierFree,
		Scopes: []string{"models.read"},
	}
}

func TestListModels_AnnotatesAccess(t *testing.T) {
	handler, db := newCatalogHandler(t)
	seedCatalogRows(t, db)

	rec := httptest.NewRecorder()
	handler.ListModels(rec, catalogGet(freeIdentity(), "/v1/models"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var listing struct {
		Object string `json:"object"`
		Data   []struct {
			Model struct {
				ID string `json:"id"`
			} `json:"model"`
			AccessStatus string `json:"access_status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, "list", listing.Object)

	access := map[string]string{}
	for _, entry := range listing.Data {
		access[entry.Model.ID] = entry.AccessStatus
	}
	assert.Equal(t, "allowed", access["gpt-4o"])
	assert.Equal(t, "upgrade_required", access["claude-opus-4"])
	assert.NotContains(t, access, "davinci-002", "archived models are hidden by default")
}

func TestListModels_FiltersByProviderAndAvailability(t *testing.T) {
	handler, db := newCatalogHandler(t)
	seedCatalogRows(t, db)

	rec := httptest.NewRecorder()
	handler.ListModels(rec, catalogGet(freeIdentity(), "/v1/models?provider=openai&available=true"))

	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Data []struct {
			Model struct {
				ID       string `json:"id"`
				Provider string `json:"provider"`
			} `json:"model"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Data, 1)
	assert.Equal(t, "gpt-4o", listing.Data[0].Model.ID)
}

func TestListModels_ArchivedRequiresAdmin(t *testing.T) {
	handler, db := newCatalogHandler(t)
	seedCatalogRows(t, db)

	rec := httptest.NewRecorder()
	handler.ListModels(rec, catalogGet(freeIdentity(), "/v1/models?include_archived=true"))

	require.Equal(t, http.StatusForbidden, rec.Code)
	code, message, _ := decodeEnvelope(t, rec)
	assert.Equal(t, orchestrator.CodeForbidden, code)
	assert.Contains(t, message, "administrators")
}

func TestListModels_AdminSeesArchived(t *testing.T) {
	handler, db := newCatalogHandler(t)
	seedCatalogRows(t, db)

	admin := &middleware.Identity{
		UserID: uuid.New(),
		Tier:   models.TierEnterprisePro,
		Role:   models.RoleAdmin,
		Scopes: []string{"models.read"},
	}
	rec := httptest.NewRecorder()
	handler.ListModels(rec, catalogGet(admin, "/v1/models?include_archived=true"))

	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Data []struct {
			Model struct {
				ID string `json:"id"`
			} `json:"model"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))

	ids := make([]string, 0, len(listing.Data))
	for _, entry := range listing.Data {
		ids = append(ids, entry.Model.ID)
	}
	assert.Contains(t, ids, "davinci-002")
}

func TestListModels_RequiresIdentity(t *testing.T) {
	handler, _ := newCatalogHandler(t)

	rec := httptest.NewRecorder()
	handler.ListModels(rec, catalogGet(nil, "/v1/models"))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetModel_ReturnsEntry(t *testing.T) {
	handler, db := newCatalogHandler(t)
	seedCatalogRows(t, db)

	router := chi.NewRouter()
	router.Get("/v1/models/{model}", handler.GetModel)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, catalogGet(freeIdentity(), "/v1/models/claude-opus-4"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var entry struct {
		Model struct {
			ID           string `json:"id"`
			RequiredTier string `json:"required_tier"`
		} `json:"model"`
		AccessStatus string `json:"access_status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, "claude-opus-4", entry.Model.ID)
	assert.Equal(t, "pro", entry.Model.RequiredTier)
	assert.Equal(t, "upgrade_required", entry.AccessStatus)
}

func TestGetModel_Unknown(t *testing.T) {
	handler, db := newCatalogHandler(t)
	seedCatalogRows(t, db)

	router := chi.NewRouter()
	router.Get("/v1/models/{model}", handler.GetModel)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, catalogGet(freeIdentity(), "/v1/models/gpt-99"))

	require.Equal(t, http.StatusNotFound, rec.Code)
	code, _, _ := decodeEnvelope(t, rec)
	assert.Equal(t, orchestrator.CodeNotFound, code)
}
