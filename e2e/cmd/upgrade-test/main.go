package main

import (
	"os"

	upgradecmd "github.com/astriaorg/astria/system-tests/e2e/internal/upgrade/cmd"
)

func main() {
	os.Exit(int(upgradecmd.Run()))
}
