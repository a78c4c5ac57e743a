// Command webaudit crawls a site into a content cache.
package main

import (
	"os"

	"github.com/ddttom/invisible-users-sub000/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
