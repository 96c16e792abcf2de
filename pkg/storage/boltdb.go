package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/hive/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDevices = []byte("devices")
	bucketResults = []byte("results")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "hive.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDevices, bucketResults} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Device operations
func (s *BoltStore) SaveDevice(device *types.DeviceCapabilities) error {
	return s.put(bucketDevices, device.DeviceID, device)
}

func (s *BoltStore) GetDevice(id string) (*types.DeviceCapabilities, error) {
	var device types.DeviceCapabilities
	if err := s.get(bucketDevices, id, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *BoltStore) ListDevices() ([]*types.DeviceCapabilities, error) {
	var devices []*types.DeviceCapabilities
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var device types.DeviceCapabilities
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			devices = append(devices, &device)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) DeleteDevice(id string) error {
	return s.delete(bucketDevices, id)
}

// Result operations
func (s *BoltStore) SaveResult(result *types.JobResult) error {
	return s.put(bucketResults, result.JobID, result)
}

func (s *BoltStore) GetResult(jobID string) (*types.JobResult, error) {
	var result types.JobResult
	if err := s.get(bucketResults, jobID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *BoltStore) DeleteResult(jobID string) error {
	return s.delete(bucketResults, jobID)
}
