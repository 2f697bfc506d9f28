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
	"sync"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
)

var (
	datastoreServerListsBucket = []byte("serverLists")
	datastoreKeyValueBucket    = []byte("keyValues")

	datastoreLastConnectedServerKey    = "lastConnectedServer"
	datastoreLastConnectedTimestampKey = "lastConnected"
)

var datastoreMutex sync.RWMutex
var activeDatastoreDB *datastoreDB

// OpenDataStore opens and initializes the singleton datastore instance.
//
// Nested Open/CloseDataStore calls are not supported.
func OpenDataStore(config *Config) error {

	datastoreMutex.Lock()
	defer datastoreMutex.Unlock()

	if activeDatastoreDB != nil {
		return errors.TraceNew("db already open")
	}

	err := os.MkdirAll(config.DataStoreDirectory, 0700)
	if err != nil {
		return errors.Trace(err)
	}

	newDB, err := datastoreOpenDB(config.DataStoreDirectory)
	if err != nil {
		return errors.Trace(err)
	}

	activeDatastoreDB = newDB

	return nil
}

// CloseDataStore closes the singleton datastore instance, if open.
func CloseDataStore() {

	datastoreMutex.Lock()
	defer datastoreMutex.Unlock()

	if activeDatastoreDB == nil {
		return
	}

	err := activeDatastoreDB.close()
	if err != nil {
		NoticeWarning("failed to close database: %s", errors.Trace(err))
	}

	activeDatastoreDB = nil
}

// IsDataStoreOpen reports whether OpenDataStore has been called without a
// matching CloseDataStore. Server lists are kept in memory only when the
// datastore is not open.
func IsDataStoreOpen() bool {
	datastoreMutex.RLock()
	defer datastoreMutex.RUnlock()
	return activeDatastoreDB != nil
}

func datastoreView(fn func(tx *datastoreTx) error) error {

	datastoreMutex.RLock()
	defer datastoreMutex.RUnlock()

	if activeDatastoreDB == nil {
		return errors.TraceNew("datastore not open")
	}

	err := activeDatastoreDB.view(fn)
	if err != nil {
		err = errors.Trace(err)
	}
	return err
}

func datastoreUpdate(fn func(tx *datastoreTx) error) error {

	datastoreMutex.RLock()
	defer datastoreMutex.RUnlock()

	if activeDatastoreDB == nil {
		return errors.TraceNew("database not open")
	}

	err := activeDatastoreDB.update(fn)
	if err != nil {
		err = errors.Trace(err)
	}
	return err
}

// StoreServerList replaces the stored, encoded server list for listName.
func StoreServerList(listName, encodedServerList string) error {
	err := datastoreUpdate(func(tx *datastoreTx) error {
		bucket := tx.bucket(datastoreServerListsBucket)
		return bucket.put([]byte(listName), []byte(encodedServerList))
	})
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// GetServerList returns the stored, encoded server list for listName, or
// "" when none is stored.
func GetServerList(listName string) (string, error) {
	var encodedServerList string
	err := datastoreView(func(tx *datastoreTx) error {
		bucket := tx.bucket(datastoreServerListsBucket)
		encodedServerList = string(bucket.get([]byte(listName)))
		return nil
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	return encodedServerList, nil
}

// GetServerListNames returns the names of all stored server lists.
func GetServerListNames() ([]string, error) {
	var names []string
	err := datastoreView(func(tx *datastoreTx) error {
		bucket := tx.bucket(datastoreServerListsBucket)
		cursor := bucket.cursor()
		for key, _ := cursor.first(); key != nil; key, _ = cursor.next() {
			names = append(names, string(key))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return names, nil
}

// DeleteServerList removes the stored server list for listName.
func DeleteServerList(listName string) error {
	err := datastoreUpdate(func(tx *datastoreTx) error {
		bucket := tx.bucket(datastoreServerListsBucket)
		return bucket.delete([]byte(listName))
	})
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// SetKeyValue stores a key/value pair.
func SetKeyValue(key, value string) error {
	err := datastoreUpdate(func(tx *datastoreTx) error {
		bucket := tx.bucket(datastoreKeyValueBucket)
		return bucket.put([]byte(key), []byte(value))
	})
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// GetKeyValue queries the key/value store for the value corresponding to
// the specified key. "" is returned when no value is stored.
func GetKeyValue(key string) (string, error) {
	var value string
	err := datastoreView(func(tx *datastoreTx) error {
		bucket := tx.bucket(datastoreKeyValueBucket)
		value = string(bucket.get([]byte(key)))
		return nil
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	return value, nil
}

// SetLastConnectedServer records the relay address of the latest
// successful connection.
func SetLastConnectedServer(ipAddress string) error {
	return errors.Trace(SetKeyValue(datastoreLastConnectedServerKey, ipAddress))
}

func GetLastConnectedServer() (string, error) {
	value, err := GetKeyValue(datastoreLastConnectedServerKey)
	return value, errors.Trace(err)
}
