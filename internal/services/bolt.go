package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MegaGrindStone/vulnchat/internal/models"
	"github.com/MegaGrindStone/vulnchat/internal/session"
	bolt "go.etcd.io/bbolt"
)

var (
	vulnerabilitiesBucket = []byte("vulnerabilities")
	conversationBucket    = []byte("conversation")

	currentConversationKey = []byte("current")
)

// BoltDB stores the vulnerability catalogue in a BoltDB file. Records are keyed by their ID and
// kept in insertion order. It also remembers the identifiers of the last conversation, so the
// command line client can continue it across runs.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens or creates the database at path, with 0600 permissions, and makes sure the
// required buckets exist.
func NewBoltDB(path string) (BoltDB, error) {
	// Another process, such as the web server, may hold the file lock.
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{vulnerabilitiesBucket, conversationBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Vulnerabilities returns every stored vulnerability in insertion order.
func (b BoltDB) Vulnerabilities(context.Context) ([]models.Vulnerability, error) {
	var vulns []models.Vulnerability
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(vulnerabilitiesBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var vuln models.Vulnerability
			if err := json.Unmarshal(v, &vuln); err != nil {
				return fmt.Errorf("failed to unmarshal vulnerability: %w", err)
			}
			vulns = append(vulns, vuln)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return vulns, nil
}

// Vulnerability returns the vulnerability with the given ID, or ErrNotFound.
func (b BoltDB) Vulnerability(_ context.Context, id string) (models.Vulnerability, error) {
	var vuln models.Vulnerability
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(vulnerabilitiesBucket)
		if b == nil {
			return ErrNotFound
		}

		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &vuln); err != nil {
			return fmt.Errorf("failed to unmarshal vulnerability: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Vulnerability{}, err
	}
	return vuln, nil
}

// AddVulnerability stores vuln under a new ID, built from a sequence number so keys sort in
// insertion order, and returns that ID. An existing vuln.ID, such as a scanner reference, is kept
// as the suffix.
func (b BoltDB) AddVulnerability(_ context.Context, vuln models.Vulnerability) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(vulnerabilitiesBucket)
		if b == nil {
			return fmt.Errorf("bucket %s is missing", vulnerabilitiesBucket)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%06d", seq)
		if vuln.ID != "" {
			newID = fmt.Sprintf("%s-%s", newID, vuln.ID)
		}
		vuln.ID = newID

		v, err := json.Marshal(vuln)
		if err != nil {
			return fmt.Errorf("failed to marshal vulnerability: %w", err)
		}

		return b.Put([]byte(newID), v)
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

// UpdateVulnerability replaces an existing record. It returns ErrNotFound when vuln.ID is unknown.
func (b BoltDB) UpdateVulnerability(_ context.Context, vuln models.Vulnerability) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(vulnerabilitiesBucket)
		if b == nil || b.Get([]byte(vuln.ID)) == nil {
			return ErrNotFound
		}

		v, err := json.Marshal(vuln)
		if err != nil {
			return fmt.Errorf("failed to marshal vulnerability: %w", err)
		}

		return b.Put([]byte(vuln.ID), v)
	})
}

type conversationRecord struct {
	ConversationID string `json:"conversation_id"`
	ParticipantID  string `json:"participant_id"`
}

// Conversation returns the identifiers saved by SaveConversation, empty when there are none.
func (b BoltDB) Conversation(context.Context) (session.IDs, error) {
	var ids session.IDs
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationBucket)
		if b == nil {
			return nil
		}

		v := b.Get(currentConversationKey)
		if v == nil {
			return nil
		}
		var rec conversationRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		ids = session.IDs{ConversationID: rec.ConversationID, ParticipantID: rec.ParticipantID}
		return nil
	})
	if err != nil {
		return session.IDs{}, err
	}
	return ids, nil
}

// SaveConversation replaces the saved identifiers. Empty identifiers forget the conversation.
func (b BoltDB) SaveConversation(_ context.Context, ids session.IDs) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationBucket)
		if b == nil {
			return fmt.Errorf("bucket %s is missing", conversationBucket)
		}
		if ids == (session.IDs{}) {
			return b.Delete(currentConversationKey)
		}

		v, err := json.Marshal(conversationRecord{
			ConversationID: ids.ConversationID,
			ParticipantID:  ids.ParticipantID,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return b.Put(currentConversationKey, v)
	})
}
