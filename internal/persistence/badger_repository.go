package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"telegram-grid-bot-go/internal/crypto"
	"telegram-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const userKeyPrefix = "user:"

// badgerRepository is the BadgerDB implementation of the UserRepository.
type badgerRepository struct {
	db            *badger.DB
	encryptor     *crypto.Encryptor
	defaultParams models.BotParameters
	defaultSymbol string
	now           func() time.Time
}

// Options configures a badger-backed user repository.
type Options struct {
	Path          string // ignored when InMemory is set
	InMemory      bool
	Encryptor     *crypto.Encryptor
	DefaultParams models.BotParameters
	DefaultSymbol string
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(opts Options) (UserRepository, error) {
	if opts.Encryptor == nil {
		return nil, errors.New("an encryptor is required to store credentials")
	}
	if opts.DefaultParams == (models.BotParameters{}) {
		opts.DefaultParams = models.DefaultBotParameters()
	}

	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	// Badger's own logging is disabled to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	badgerOpts.Logger = nil

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open user store: %w", err)
	}

	return &badgerRepository{
		db:            db,
		encryptor:     opts.Encryptor,
		defaultParams: opts.DefaultParams,
		defaultSymbol: opts.DefaultSymbol,
		now:           time.Now,
	}, nil
}

func userKey(userID int64) []byte {
	return []byte(userKeyPrefix + strconv.FormatInt(userID, 10))
}

func (r *badgerRepository) newUser(userID int64) *models.UserRecord {
	return &models.UserRecord{
		UserID: userID,
		Params: r.defaultParams,
		Symbol: r.defaultSymbol,
	}
}

// Get loads a user from storage.
// If the key is not found, it returns a fresh record with default parameters.
func (r *badgerRepository) Get(userID int64) (*models.UserRecord, error) {
	var user models.UserRecord
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("user value is empty in database")
			}
			return json.Unmarshal(val, &user)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return r.newUser(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	if user.Symbol == "" {
		user.Symbol = r.defaultSymbol
	}
	return &user, nil
}

// Save atomically saves the entire user record.
func (r *badgerRepository) Save(user *models.UserRecord) error {
	now := r.now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userKey(user.UserID), data)
	})
}

// update runs a read-modify-write of one user inside a single transaction.
func (r *badgerRepository) update(userID int64, mutate func(user *models.UserRecord) error) error {
	return r.db.Update(func(txn *badger.Txn) error {
		user := r.newUser(userID)
		item, err := txn.Get(userKey(userID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, user) }); err != nil {
				return err
			}
		}

		if err := mutate(user); err != nil {
			return err
		}
		now := r.now()
		if user.CreatedAt.IsZero() {
			user.CreatedAt = now
		}
		user.UpdatedAt = now

		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return txn.Set(userKey(userID), data)
	})
}

func (r *badgerRepository) UpdateParams(userID int64, params models.BotParameters) error {
	if err := params.Validate(); err != nil {
		return err
	}
	return r.update(userID, func(user *models.UserRecord) error {
		user.Params = params
		return nil
	})
}

func (r *badgerRepository) SetCredentials(userID int64, apiKey, apiSecret string) error {
	if apiKey == "" || apiSecret == "" {
		return errors.New("api key and secret must not be empty")
	}
	encKey, err := r.encryptor.Encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	encSecret, err := r.encryptor.Encrypt(apiSecret)
	if err != nil {
		return fmt.Errorf("encrypt api secret: %w", err)
	}
	return r.update(userID, func(user *models.UserRecord) error {
		user.APIKeyEncrypted = encKey
		user.APISecretEncrypted = encSecret
		return nil
	})
}

func (r *badgerRepository) Credentials(userID int64) (string, string, error) {
	user, err := r.Get(userID)
	if err != nil {
		return "", "", err
	}
	if !user.HasCredentials() {
		return "", "", ErrNoCredentials
	}
	apiKey, err := r.encryptor.Decrypt(user.APIKeyEncrypted)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := r.encryptor.Decrypt(user.APISecretEncrypted)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api secret: %w", err)
	}
	return apiKey, apiSecret, nil
}

// List iterates over every user key.
func (r *badgerRepository) List() ([]*models.UserRecord, error) {
	var users []*models.UserRecord
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(userKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if !strings.HasPrefix(string(item.Key()), userKeyPrefix) {
				continue
			}
			var user models.UserRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &user) }); err != nil {
				return err
			}
			users = append(users, &user)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
