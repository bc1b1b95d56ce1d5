// Command thin_merge overlays a thin-provisioning snapshot device's
// mappings onto its origin device's mappings, producing a freshly
// written metadata device (spec section 1).
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
