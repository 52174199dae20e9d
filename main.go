package main

import (
	"github.com/xkilldash9x/greyhat-cli/cmd"
)

func main() {
	cmd.Execute()
}
