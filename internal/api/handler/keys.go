package handler

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/kiranshivaraju/docbatch/internal/api/middleware"
	"github.com/kiranshivaraju/docbatch/internal/api/response"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// KeyPrefix starts every generated API key.
const KeyPrefix = "db_"

// KeysHandler administers the owner's API keys.
type KeysHandler struct {
	store  store.KeyStore
	cost   int
	logger *slog.Logger
	now    func() time.Time
}

func NewKeysHandler(s store.KeyStore, logger *slog.Logger) *KeysHandler {
	return &KeysHandler{
		store:  s,
		cost:   bcrypt.DefaultCost,
		logger: orDefault(logger).With("component", "keys_handler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type createKeyBody struct {
	Name   string   `json:"name"   validate:"required,max=100"`
	Scopes []string `json:"scopes" validate:"omitempty,dive,oneof=read write admin"`
}

type createdKey struct {
	*models.APIKey
	Key string `json:"key"`
}

// GenerateKey returns a new raw API key and its bcrypt hash.
func GenerateKey(cost int) (raw, hash string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	raw = KeyPrefix + hex.EncodeToString(b)
	h, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", "", err
	}
	return raw, string(h), nil
}

// Create handles POST /api/v1/admin/keys. The raw key is returned once.
func (h *KeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	var body createKeyBody
	if !decodeBody(w, r, &body) {
		return
	}
	scopes := body.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read", "write"}
	}

	raw, hash, err := GenerateKey(h.cost)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	now := h.now()
	key := &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Name:      body.Name,
		KeyHash:   hash,
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.logger.Info("api key created", "owner_id", ownerID, "key_id", key.ID, "scopes", scopes)
	response.Created(w, createdKey{APIKey: key, Key: raw})
}

// List handles GET /api/v1/admin/keys.
func (h *KeysHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	keys, err := h.store.ListAPIKeys(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	response.JSON(w, keys)
}

// Revoke handles DELETE /api/v1/admin/keys/{keyID}.
func (h *KeysHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	keyID, ok := uuidParam(w, r, "keyID", "INVALID_KEY_ID")
	if !ok {
		return
	}
	if err := h.store.RevokeAPIKey(r.Context(), keyID, ownerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)
			return
		}
		writeServiceError(w, h.logger, err)
		return
	}
	h.logger.Info("api key revoked", "owner_id", ownerID, "key_id", keyID)
	w.WriteHeader(http.StatusNoContent)
}
