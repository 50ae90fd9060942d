// Build-cache-node serves a remote HTTP build cache for Gradle-style clients.
//
// Usage:
//
//	build-cache-node                          # serve with defaults and BUILD_CACHE_* env
//	build-cache-node serve -c node.yaml       # serve with a config file
//	build-cache-node serve --listen :8080 --storage-root /var/cache/build
//	build-cache-node config validate -c node.yaml
//	build-cache-node version
package main

import (
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
