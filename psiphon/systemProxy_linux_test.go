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
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGsettings is an in-memory gsettings store.
type fakeGsettings struct {
	mutex    sync.Mutex
	values   map[string]string
	sets     []string
	failGets bool
	failSet  string
}

func newFakeGsettings() *fakeGsettings {
	values := make(map[string]string)
	for _, key := range gsettingsProxyKeys {
		values[key.schema+" "+key.key] = "'original'"
	}
	values["org.gnome.system.proxy mode"] = "'none'"
	return &fakeGsettings{values: values}
}

func (gsettings *fakeGsettings) run(name string, args ...string) (string, error) {
	gsettings.mutex.Lock()
	defer gsettings.mutex.Unlock()

	if name != "gsettings" || len(args) < 3 {
		return "", errors.New("unexpected command")
	}
	key := args[1] + " " + args[2]

	switch args[0] {
	case "get":
		if gsettings.failGets {
			return "", errors.New("get failed")
		}
		return gsettings.values[key], nil
	case "set":
		if key == gsettings.failSet {
			return "", errors.New("set failed")
		}
		gsettings.values[key] = args[3]
		gsettings.sets = append(gsettings.sets, key)
		return "", nil
	}
	return "", errors.New("unexpected command")
}

func (gsettings *fakeGsettings) get(key string) string {
	gsettings.mutex.Lock()
	defer gsettings.mutex.Unlock()
	return gsettings.values[key]
}

func TestGsettingsSystemProxySettings(t *testing.T) {

	config := makeTestConfig(t, nil)
	gsettings := newFakeGsettings()
	settings := newPlatformSystemProxySettings(config, gsettings.run)

	require.NoError(t, settings.Configure(8080, 1080))
	assert.True(t, settings.IsApplied())

	assert.Equal(t, "manual", gsettings.get("org.gnome.system.proxy mode"))
	assert.Equal(t, "127.0.0.1", gsettings.get("org.gnome.system.proxy.http host"))
	assert.Equal(t, "8080", gsettings.get("org.gnome.system.proxy.http port"))
	assert.Equal(t, "8080", gsettings.get("org.gnome.system.proxy.https port"))
	assert.Equal(t, "1080", gsettings.get("org.gnome.system.proxy.socks port"))

	gsettings.mutex.Lock()
	sets := append([]string(nil), gsettings.sets...)
	gsettings.sets = nil
	gsettings.mutex.Unlock()
	require.Len(t, sets, len(gsettingsProxyKeys))
	assert.Equal(t, "org.gnome.system.proxy mode", sets[len(sets)-1])

	// A second Configure keeps the originally saved values.
	require.NoError(t, settings.Configure(8081, 1081))
	assert.Equal(t, "8081", gsettings.get("org.gnome.system.proxy.http port"))

	require.NoError(t, settings.Revert())
	assert.False(t, settings.IsApplied())
	assert.Equal(t, "'none'", gsettings.get("org.gnome.system.proxy mode"))
	assert.Equal(t, "'original'", gsettings.get("org.gnome.system.proxy.socks port"))

	require.NoError(t, settings.Revert())
}

func TestGsettingsSystemProxySettingsFailures(t *testing.T) {

	config := makeTestConfig(t, nil)

	t.Run("get failure", func(t *testing.T) {
		gsettings := newFakeGsettings()
		gsettings.failGets = true
		settings := newPlatformSystemProxySettings(config, gsettings.run)

		assert.Error(t, settings.Configure(8080, 1080))
		assert.False(t, settings.IsApplied())
		assert.Equal(t, "'none'", gsettings.get("org.gnome.system.proxy mode"))
	})

	t.Run("revert failure", func(t *testing.T) {
		gsettings := newFakeGsettings()
		settings := newPlatformSystemProxySettings(config, gsettings.run)
		require.NoError(t, settings.Configure(8080, 1080))

		gsettings.failSet = "org.gnome.system.proxy.http host"
		err := settings.Revert()
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "set failed"))
		assert.False(t, settings.IsApplied())

		// The remaining keys are still restored.
		assert.Equal(t, "'none'", gsettings.get("org.gnome.system.proxy mode"))
		assert.Equal(t, "'original'", gsettings.get("org.gnome.system.proxy.socks host"))
	})
}

func TestNoopSystemProxySettings(t *testing.T) {

	config := makeTestConfig(t, nil)
	settings := NewSystemProxySettings(config)

	assert.False(t, settings.IsApplied())
	require.NoError(t, settings.Configure(8080, 1080))
	assert.True(t, settings.IsApplied())
	require.NoError(t, settings.Revert())
	assert.False(t, settings.IsApplied())
}
