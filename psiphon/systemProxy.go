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
	"os/exec"
	"strings"
	"sync"

	"github.com/Psiphon-Labs/psiphon-connect/psiphon/common/errors"
)

// SystemProxySettings applies and reverts the host's proxy settings, which
// point host applications at the local proxy. Revert restores the settings
// captured by Configure and is safe to call when nothing was applied.
type SystemProxySettings interface {
	Configure(httpProxyPort, socksProxyPort int) error
	Revert() error
	IsApplied() bool
}

// NewSystemProxySettings returns the platform implementation, or a no-op
// implementation when config.SkipSystemProxySettings is set.
func NewSystemProxySettings(config *Config) SystemProxySettings {
	if config.SkipSystemProxySettings {
		return &noopSystemProxySettings{}
	}
	return newPlatformSystemProxySettings(config, runSystemProxyCommand)
}

// systemProxyCommandRunner runs one settings command and returns its
// trimmed standard output.
type systemProxyCommandRunner func(name string, args ...string) (string, error)

func runSystemProxyCommand(name string, args ...string) (string, error) {
	output, err := exec.Command(name, args...).Output()
	if err != nil {
		return "", errors.Tracef("command %s %+v failed: %s", name, args, err)
	}
	return strings.TrimSpace(string(output)), nil
}

type noopSystemProxySettings struct {
	mutex   sync.Mutex
	applied bool
}

func (settings *noopSystemProxySettings) Configure(_, _ int) error {
	settings.mutex.Lock()
	defer settings.mutex.Unlock()
	settings.applied = true
	return nil
}

func (settings *noopSystemProxySettings) Revert() error {
	settings.mutex.Lock()
	defer settings.mutex.Unlock()
	settings.applied = false
	return nil
}

func (settings *noopSystemProxySettings) IsApplied() bool {
	settings.mutex.Lock()
	defer settings.mutex.Unlock()
	return settings.applied
}
