// Copyright 2022, 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spassr

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
)

// NormalizedHttpError writes a normalized HTTP error message and HTTP status
// code based on the specified error, but not leaking any interesting internal
// server details from this specified error. It must only be used before any
// part of the response body has been written.
func NormalizedHttpError(w http.ResponseWriter, err error) {
	status := NormalizedStatus(err)
	http.Error(w, fmt.Sprintf("%d %s", status, http.StatusText(status)), status)
}

// NormalizedStatus returns the HTTP status code for the specified error.
func NormalizedStatus(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, ErrSchedule):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
