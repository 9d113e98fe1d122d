//go:build !test

// This file wires in the heavyweight SQL drivers only for production builds.
// go test/go vet can exclude it via the build tag.
package main

import "trash-change-map/pkg/database/drivers"

func init() {
	// Touch the drivers package so its init functions register SQL
	// backends before the run history is opened.
	drivers.Ready()
}
