/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package maengine

import (
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/loqalabs/loqa-streamtest/internal/audio"
)

const modulePath = "github.com/gen2brain/malgo"

// platformBackends lists the backends tried, in order, when no native API
// is requested.
func platformBackends(goos string) []malgo.Backend {
	switch goos {
	case "linux":
		return []malgo.Backend{malgo.BackendPulseaudio, malgo.BackendAlsa, malgo.BackendJack}
	case "android":
		return []malgo.Backend{malgo.BackendAaudio, malgo.BackendOpensl}
	case "darwin", "ios":
		return []malgo.Backend{malgo.BackendCoreaudio}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi, malgo.BackendDsound, malgo.BackendWinmm}
	case "freebsd", "openbsd", "netbsd":
		return []malgo.Backend{malgo.BackendSndio, malgo.BackendAudio4, malgo.BackendOss}
	}
	return []malgo.Backend{malgo.BackendNull}
}

func defaultBackends() []malgo.Backend {
	return platformBackends(runtime.GOOS)
}

// NativeAPIFor returns the NativeAPI value that selects backend b.
func NativeAPIFor(b malgo.Backend) audio.NativeAPI {
	return audio.NativeAPI(b) + 1 //nolint:gosec // G115: backend ids are small
}

func backendFor(api audio.NativeAPI) malgo.Backend {
	return malgo.Backend(api - 1) //nolint:gosec // G115: checked positive by caller
}

// moduleVersion encodes the linked malgo release as major*10000 +
// minor*100 + patch, or 0 when unknown.
func moduleVersion() int {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return 0
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			return parseVersion(dep.Version)
		}
	}
	return 0
}

func parseVersion(v string) int {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return 0
	}
	version := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n > 99 {
			return 0
		}
		version = version*100 + n
	}
	return version
}
