package main

import (
	"os"

	"github.com/JoshuaAFerguson/APEX-sub012/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
