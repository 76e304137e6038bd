// Package automaxprocs sets GOMAXPROCS to match the container/cgroup CPU
// quota on import, so cmd/cconnectd need only blank-import this package
// instead of calling maxprocs.Set() itself.
package automaxprocs

import (
	"go.uber.org/automaxprocs/maxprocs"
)

func init() {
	maxprocs.Set()
}
