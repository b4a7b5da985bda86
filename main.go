package main

import "github.com/ereuse/workbench-server/internal/cmd"

func main() {
	cmd.Execute()
}
