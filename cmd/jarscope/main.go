package main

import "github.com/jar-analysis/jar-analysis-go/internal/cli"

func main() {
	cli.Execute()
}
