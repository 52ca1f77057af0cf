// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package lib

import (
	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
)

// Bug reports an invariant violation that indicates a programming error.
// It logs at error level and bumps a counter, but never panics; the
// process must survive a tripped invariant in production.
func Bug(logger hclog.Logger, msg string, args ...interface{}) {
	if logger == nil {
		logger = hclog.Default()
	}
	metrics.IncrCounter([]string{"keel", "bug"}, 1)
	logger.Error("bug: "+msg, args...)
}
