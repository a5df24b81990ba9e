package main

import (
	"os"

	"github.com/zhengshuai-xiao/TierBak/cmd"
	"github.com/zhengshuai-xiao/TierBak/internal"
)

var logger = internal.GetLogger("tierbak_main")

func main() {
	if err := cmd.Main(os.Args); err != nil {
		logger.Fatal(err)
	}
}
