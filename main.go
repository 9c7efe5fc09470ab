package main

import "github.com/orchestraitor/orcai/cmd"

func main() {
	cmd.Execute()
}
