package module

import (
	"npool/internal/util"
)

// cache is shared by every worker of the process.
var cache = util.NewMemoryCache(4096)

func init() {
	register("cache", func(worker Worker) interface{} {
		return cache
	})
}
