/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package psiphon

import (
	"os"
	"path/filepath"
	"time"

	"github.com/Psiphon-Labs/bolt"
	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
)

const (
	DATA_STORE_FILENAME     = "psiphon-connect.boltdb"
	DATA_STORE_OPEN_RETRIES = 3
)

type datastoreDB struct {
	boltDB *bolt.DB
}

type datastoreTx struct {
	boltTx *bolt.Tx
}

type datastoreBucket struct {
	boltBucket *bolt.Bucket
}

type datastoreCursor struct {
	boltCursor *bolt.Cursor
}

func datastoreOpenDB(rootDataDirectory string) (*datastoreDB, error) {

	filename := filepath.Join(rootDataDirectory, DATA_STORE_FILENAME)

	var newDB *bolt.DB
	var err error

	for retry := 0; retry < DATA_STORE_OPEN_RETRIES; retry++ {

		if retry > 0 {
			NoticeWarning("datastoreOpenDB retry: %d", retry)
		}

		newDB, err = bolt.Open(filename, 0600, &bolt.Options{Timeout: 1 * time.Second})

		// The datastore file may be corrupt, so attempt to delete and try again
		if err != nil {
			NoticeWarning("bolt.Open error: %s", err)
			os.Remove(filename)
			continue
		}

		// Run consistency checks on datastore and emit errors for diagnostics
		// purposes. The datastore holds only server lists and a handful of
		// values, so this completes quickly.
		err = newDB.View(func(tx *bolt.Tx) error {
			return tx.SynchronousCheck()
		})

		// The datastore file may be corrupt, so attempt to delete and try again
		if err != nil {
			NoticeWarning("bolt.SynchronousCheck error: %s", err)
			newDB.Close()
			os.Remove(filename)
			continue
		}

		break
	}

	if err != nil {
		return nil, errors.Trace(err)
	}

	err = newDB.Update(func(tx *bolt.Tx) error {
		requiredBuckets := [][]byte{
			datastoreServerListsBucket,
			datastoreKeyValueBucket,
		}
		for _, bucket := range requiredBuckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		newDB.Close()
		return nil, errors.Trace(err)
	}

	return &datastoreDB{boltDB: newDB}, nil
}

func (db *datastoreDB) close() error {
	return db.boltDB.Close()
}

func (db *datastoreDB) view(fn func(tx *datastoreTx) error) error {
	return db.boltDB.View(
		func(tx *bolt.Tx) error {
			err := fn(&datastoreTx{boltTx: tx})
			if err != nil {
				return errors.Trace(err)
			}
			return nil
		})
}

func (db *datastoreDB) update(fn func(tx *datastoreTx) error) error {
	return db.boltDB.Update(
		func(tx *bolt.Tx) error {
			err := fn(&datastoreTx{boltTx: tx})
			if err != nil {
				return errors.Trace(err)
			}
			return nil
		})
}

func (tx *datastoreTx) bucket(name []byte) *datastoreBucket {
	return &datastoreBucket{boltBucket: tx.boltTx.Bucket(name)}
}

func (b *datastoreBucket) get(key []byte) []byte {
	return b.boltBucket.Get(key)
}

func (b *datastoreBucket) put(key, value []byte) error {
	err := b.boltBucket.Put(key, value)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (b *datastoreBucket) delete(key []byte) error {
	err := b.boltBucket.Delete(key)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (b *datastoreBucket) cursor() datastoreCursor {
	return datastoreCursor{boltCursor: b.boltBucket.Cursor()}
}

func (c *datastoreCursor) first() ([]byte, []byte) {
	return c.boltCursor.First()
}

func (c *datastoreCursor) next() ([]byte, []byte) {
	return c.boltCursor.Next()
}
