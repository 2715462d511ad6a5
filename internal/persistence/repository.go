package persistence

import (
	"errors"

	"telegram-grid-bot-go/internal/models"
)

// ErrNoCredentials is returned when a user has not stored API keys yet.
var ErrNoCredentials = errors.New("api credentials are not set")

// UserRepository defines the interface for per-user settings persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type UserRepository interface {
	// Get loads a user. Unknown users are returned with default parameters
	// and are not written until saved.
	Get(userID int64) (*models.UserRecord, error)

	// Save atomically writes the whole record.
	Save(user *models.UserRecord) error

	// UpdateParams replaces the user's grid parameters after validating them.
	UpdateParams(userID int64, params models.BotParameters) error

	// SetCredentials encrypts and stores the user's API key pair.
	SetCredentials(userID int64, apiKey, apiSecret string) error

	// Credentials decrypts the user's API key pair.
	Credentials(userID int64) (apiKey, apiSecret string, err error)

	// List returns every stored user ordered by ID.
	List() ([]*models.UserRecord, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
