//go:build linux

/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package poller

import (
	"github.com/docker/docker/pkg/parsers/kernel"
)

// exclusiveSupported reports whether the running kernel is new enough
// (>=4.5) to accept EPOLLEXCLUSIVE on epoll_ctl, the same
// docker/docker/pkg/parsers/kernel version probe the teacher package used
// to gate TCP_INFO struct layout by kernel version (pkg/linux/init.go),
// repurposed here to gate an epoll flag instead of a struct size.
func exclusiveSupported() bool {
	ok, err := kernel.CheckKernelVersion(4, 5, 0)
	if err != nil {
		return false
	}
	return ok
}
