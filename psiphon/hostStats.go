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
	"fmt"
	"regexp"
	"strings"
)

// STATS_OTHER_HOSTNAME collects the bytes of every host no naming rule
// matches.
const STATS_OTHER_HOSTNAME = "(OTHER)"

type hostStatsRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// HostStatsNames maps the destination hostnames of proxied connections to
// the coarse names under which their bytes are reported in status
// requests. The rules arrive with the handshake response. The zero value
// has no rules and names every host STATS_OTHER_HOSTNAME.
type HostStatsNames struct {
	rules []hostStatsRule
}

// NewHostStatsNames compiles the https_request_regexes naming rules of
// sessionInfo, in order. Rules missing a pattern or a replacement, and
// patterns which do not compile, are skipped and reported in one warning.
func NewHostStatsNames(sessionInfo SessionInfo) HostStatsNames {

	var names HostStatsNames
	var skipped []string

	for _, rule := range sessionInfo.HttpsRequestRegexes {
		pattern, replacement := rule["regex"], rule["replace"]
		if pattern == "" || replacement == "" {
			skipped = append(skipped, fmt.Sprintf("%q: missing regex or replace", pattern))
			continue
		}
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%q: %s", pattern, err))
			continue
		}
		names.rules = append(names.rules, hostStatsRule{pattern: compiled, replacement: replacement})
	}

	if len(skipped) > 0 {
		NoticeWarning("skipped %d host stats rules: %s", len(skipped), strings.Join(skipped, "; "))
	}

	return names
}

func (names HostStatsNames) Len() int {
	return len(names.rules)
}

// Name expands the replacement of the first rule matching hostname.
// Hostnames are matched in lower case and without a trailing dot.
func (names HostStatsNames) Name(hostname string) string {
	hostname = strings.TrimSuffix(strings.ToLower(hostname), ".")
	for _, rule := range names.rules {
		if rule.pattern.MatchString(hostname) {
			return rule.pattern.ReplaceAllString(hostname, rule.replacement)
		}
	}
	return STATS_OTHER_HOSTNAME
}
