package main

import "github.com/blacktop/dyldex/cmd/dyldex/cmd"

func main() {
	cmd.Execute()
}
