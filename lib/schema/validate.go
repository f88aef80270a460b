// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks v's `validate` struct tags. v must be a struct or a
// pointer to one.
func Validate(v any) error {
	return validate.Struct(v)
}
