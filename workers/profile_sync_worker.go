// workers/profile_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stake-settlement/models"
)

// MirroredProfile matches one user in the sync service response.
type MirroredProfile struct {
	ID            string    `json:"id"`
	ExternalID    string    `json:"external_id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	FirstName     *string   `json:"first_name,omitempty"`
	LastName      *string   `json:"last_name,omitempty"`
	AccountStatus string    `json:"account_status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// GetUserChangesResponse is the top-level structure of the sync service response.
type GetUserChangesResponse struct {
	Users []MirroredProfile `json:"users"`
}

// ProfileSyncWorker mirrors participant names from the profile sync service
// into participant_profiles so payout reports can show them.
type ProfileSyncWorker struct {
	db           *gorm.DB
	interval     time.Duration
	baseURL      string // e.g., "http://localhost:8500"
	endpointPath string // e.g., "/api/v1/public/profiles"
	serviceToken string
	httpClient   *http.Client
}

func NewProfileSyncWorker(db *gorm.DB, syncServiceBaseURL, endpointPath, serviceToken string, client *http.Client) *ProfileSyncWorker {
	return &ProfileSyncWorker{
		db:           db,
		interval:     1 * time.Minute,
		baseURL:      syncServiceBaseURL,
		endpointPath: endpointPath,
		serviceToken: serviceToken,
		httpClient:   client,
	}
}

func (w *ProfileSyncWorker) Start(ctx context.Context) {
	log.Info().Msg("🔁 Starting Profile Sync Worker (sync-service → participant_profiles)")
	go w.run(ctx)
}

func (w *ProfileSyncWorker) run(ctx context.Context) {
	if _, err := w.SyncBatch(ctx, time.Time{}); err != nil {
		log.Warn().Err(err).Msg("⚠️ Initial profile sync failed")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.SyncBatch(ctx, w.lastSyncTime()); err != nil {
				log.Error().Err(err).Msg("❌ Profile sync batch failed")
			}
		case <-ctx.Done():
			log.Info().Msg("⏹️ Profile Sync Worker stopped")
			return
		}
	}
}

// lastSyncTime is the newest updated_at in the local mirror.
func (w *ProfileSyncWorker) lastSyncTime() time.Time {
	var lastTime *time.Time
	err := w.db.Raw("SELECT MAX(updated_at) FROM participant_profiles WHERE deleted_at IS NULL").Scan(&lastTime).Error
	if err != nil || lastTime == nil {
		return time.Unix(0, 0)
	}
	return *lastTime
}

// SyncBatch pulls profile changes since the given time and upserts them.
// It returns how many profiles were written.
func (w *ProfileSyncWorker) SyncBatch(ctx context.Context, since time.Time) (int, error) {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return 0, fmt.Errorf("invalid sync service URL '%s': %w", w.baseURL, err)
	}
	endpointURL := base.JoinPath(w.endpointPath)
	q := endpointURL.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	endpointURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create sync request: %w", err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request to sync service failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("sync service returned %d: %s", resp.StatusCode, string(body))
	}

	var response GetUserChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, fmt.Errorf("failed to decode sync service response: %w", err)
	}
	if len(response.Users) == 0 {
		return 0, nil
	}

	upserted := 0
	for _, remote := range response.Users {
		if remote.ExternalID == "" {
			continue
		}
		profile := models.ParticipantProfile{
			ExternalUserID: remote.ExternalID,
			Username:       remote.Username,
			Email:          remote.Email,
			FirstName:      remote.FirstName,
			LastName:       remote.LastName,
			CreatedAt:      remote.CreatedAt,
			UpdatedAt:      remote.UpdatedAt,
		}
		err := w.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "external_user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"username", "email", "first_name", "last_name", "updated_at",
			}),
		}).Create(&profile).Error
		if err != nil {
			log.Warn().Err(err).Str("external_id", remote.ExternalID).Msg("⚠️ Failed to upsert participant profile")
			continue
		}
		upserted++
	}

	log.Info().Int("received", len(response.Users)).Int("upserted", upserted).Msg("✅ Participant profiles synced")
	return upserted, nil
}
