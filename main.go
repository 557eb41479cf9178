// Package main is the entry point of blindscan.
package main

import "blindscan/cmd"

func main() {
	cmd.Execute()
}
