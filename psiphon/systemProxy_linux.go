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
	"strconv"
	"sync"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
)

type gsettingsKey struct {
	schema string
	key    string
}

var gsettingsProxyKeys = []gsettingsKey{
	{"org.gnome.system.proxy", "mode"},
	{"org.gnome.system.proxy.http", "host"},
	{"org.gnome.system.proxy.http", "port"},
	{"org.gnome.system.proxy.https", "host"},
	{"org.gnome.system.proxy.https", "port"},
	{"org.gnome.system.proxy.socks", "host"},
	{"org.gnome.system.proxy.socks", "port"},
}

// gsettingsSystemProxySettings configures the GNOME desktop proxy
// settings. The original values are saved on Configure and restored on
// Revert.
type gsettingsSystemProxySettings struct {
	listenInterface string
	run             systemProxyCommandRunner
	mutex           sync.Mutex
	saved           map[gsettingsKey]string
}

func newPlatformSystemProxySettings(
	config *Config, run systemProxyCommandRunner) SystemProxySettings {

	return &gsettingsSystemProxySettings{
		listenInterface: config.ListenInterface,
		run:             run,
	}
}

func (settings *gsettingsSystemProxySettings) Configure(httpProxyPort, socksProxyPort int) error {

	settings.mutex.Lock()
	defer settings.mutex.Unlock()

	if settings.saved == nil {
		saved := make(map[gsettingsKey]string)
		for _, key := range gsettingsProxyKeys {
			value, err := settings.run("gsettings", "get", key.schema, key.key)
			if err != nil {
				return errors.Trace(err)
			}
			saved[key] = value
		}
		settings.saved = saved
	}

	// Values are in gsettingsProxyKeys order.
	values := []string{
		"manual",
		settings.listenInterface, strconv.Itoa(httpProxyPort),
		settings.listenInterface, strconv.Itoa(httpProxyPort),
		settings.listenInterface, strconv.Itoa(socksProxyPort),
	}

	// The mode is set last, so the host and port values are in place
	// before applications switch to manual.
	for i := len(gsettingsProxyKeys) - 1; i >= 0; i-- {
		key := gsettingsProxyKeys[i]
		_, err := settings.run("gsettings", "set", key.schema, key.key, values[i])
		if err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

func (settings *gsettingsSystemProxySettings) Revert() error {

	settings.mutex.Lock()
	defer settings.mutex.Unlock()

	if settings.saved == nil {
		return nil
	}

	// Restore every key even when one fails; report the first failure.
	var firstErr error
	for _, key := range gsettingsProxyKeys {
		_, err := settings.run("gsettings", "set", key.schema, key.key, settings.saved[key])
		if err != nil && firstErr == nil {
			firstErr = errors.Trace(err)
		}
	}
	settings.saved = nil

	return firstErr
}

func (settings *gsettingsSystemProxySettings) IsApplied() bool {
	settings.mutex.Lock()
	defer settings.mutex.Unlock()
	return settings.saved != nil
}
