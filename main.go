package main

import "github.com/tupyy/device-policy-ng/cmd"

func main() {
	cmd.Execute()
}
